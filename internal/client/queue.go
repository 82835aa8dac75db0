package client

import (
	"github.com/luciancaetano/kephasio"
)

// queuedEmit is an entry of the offline queue.
type queuedEmit struct {
	id      uint64
	tries   int
	pending bool
	event   string
	args    []any
	ack     kephasio.AckFunc
	flags   emitFlags
}

// addToQueue appends an emit to the offline queue. Entries are sent one at
// a time; the next one leaves only once the head was acknowledged or gave up.
func (c *Channel) addToQueue(event string, args []any, ack kephasio.AckFunc, fl emitFlags) {
	fl.fromQueue = true
	e := &queuedEmit{
		id:    c.queueSeq,
		event: event,
		args:  args,
		flags: fl,
	}
	c.queueSeq++

	e.ack = func(res []any, err error) {
		if len(c.queue) == 0 || c.queue[0] != e {
			// already settled
			return
		}
		if err != nil {
			if e.tries > c.opts.Retries {
				c.logger.Debug("queued packet discarded after retries", "id", e.id, "tries", e.tries, "error", err)
				c.queue = c.queue[1:]
				if ack != nil {
					ack(nil, err)
				}
			}
		} else {
			c.logger.Debug("queued packet acknowledged", "id", e.id)
			c.queue = c.queue[1:]
			if ack != nil {
				ack(res, nil)
			}
		}
		e.pending = false
		c.drainQueue(false)
	}

	c.queue = append(c.queue, e)
	c.drainQueue(false)
}

// drainQueue sends the head of the queue unless it is in flight. force
// resends an in-flight head, which happens after a reconnection.
func (c *Channel) drainQueue(force bool) {
	if !c.Connected() || len(c.queue) == 0 {
		return
	}
	e := c.queue[0]
	if e.pending && !force {
		c.logger.Debug("waiting for the in-flight queued packet", "id", e.id)
		return
	}
	e.pending = true
	e.tries++
	c.logger.Debug("sending queued packet", "id", e.id, "try", e.tries)
	c.emit(e.event, e.args, e.ack, e.flags)
}
