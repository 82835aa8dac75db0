package client

import (
	"context"
	"time"

	"github.com/luciancaetano/kephasio"
)

type emitFlags struct {
	volatile   bool
	noCompress bool
	timeout    time.Duration
	hasTimeout bool
	fromQueue  bool
}

// emitter is a Channel bound to a set of flags. It is a value, so deriving
// an emitter never changes the one it came from.
type emitter struct {
	c     *Channel
	flags emitFlags
}

func (e emitter) Emit(event string, args ...any) error {
	return e.c.post(e.flags, event, args)
}

func (e emitter) EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error) {
	return e.c.postWithAck(ctx, e.flags, event, args)
}

func (e emitter) Timeout(d time.Duration) kephasio.Emitter {
	e.flags.timeout = d
	e.flags.hasTimeout = true
	return e
}

func (e emitter) Volatile() kephasio.Emitter {
	e.flags.volatile = true
	return e
}

func (e emitter) Compress(compress bool) kephasio.Emitter {
	e.flags.noCompress = !compress
	return e
}
