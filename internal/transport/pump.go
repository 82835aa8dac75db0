package transport

import (
	"context"
	"time"

	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/packet"
)

const (
	// writeWait bounds a single message write.
	writeWait = 10 * time.Second

	sendQueueLen = 16
)

// batch is a group of packets written back to back. done runs on the loop
// once the last one was written.
type batch struct {
	packets []packet.Packet
	done    func()
}

// writePump writes queued batches until ctx is cancelled or a write fails.
// Results are posted to lp and dropped if ctx was cancelled in the meantime.
func writePump(ctx context.Context, lp *loop.Loop, queue <-chan batch, write func(packet.Packet) error, fail func(error)) {
	for {
		select {
		case b := <-queue:
			for _, p := range b.packets {
				if err := write(p); err != nil {
					lp.Post(func() {
						if ctx.Err() == nil {
							fail(err)
						}
					})
					return
				}
			}
			if b.done != nil {
				lp.Post(func() {
					if ctx.Err() == nil {
						b.done()
					}
				})
			}

		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands b to the write pump without outliving ctx.
func enqueue(ctx context.Context, queue chan<- batch, b batch) {
	select {
	case queue <- b:
	case <-ctx.Done():
	}
}
