package session

import (
	"context"

	"groupvault/internal/logging"
	"groupvault/internal/types"
)

// startWorker runs the ingestion pipeline on its own goroutine so slow
// media or link resolution never stalls the lifecycle loop. Messages keep
// their delivery order.
func (c *Controller) startWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	c.queue = make(chan types.InboundEvent, c.opts.QueueSize)
	c.workerDone = make(chan struct{})
	c.workerCancel = cancel

	queue, done := c.queue, c.workerDone
	go func() {
		defer close(done)
		for ev := range queue {
			c.ingest(ctx, ev)
		}
	}()
}

// stopWorker drains what is queued, giving up after the destroy timeout.
func (c *Controller) stopWorker() {
	if c.queue == nil {
		return
	}
	close(c.queue)
	c.queue = nil

	expired := make(chan struct{})
	timer := c.clock.AfterFunc(c.opts.DestroyTimeout, func() { close(expired) })
	defer timer.Stop()
	select {
	case <-c.workerDone:
	case <-expired:
		logging.IngestWarn("ingestion did not drain within %v, abandoning", c.opts.DestroyTimeout)
	}
	c.workerCancel()
}

func (c *Controller) enqueue(ev *types.InboundEvent) {
	if ev == nil || c.queue == nil {
		return
	}
	select {
	case c.queue <- *ev:
	default:
		c.dropped.Add(1)
		logging.IngestWarn("ingestion queue full, dropping message %s", ev.ID)
	}
}

func (c *Controller) ingest(ctx context.Context, ev types.InboundEvent) {
	msg := c.pipeline.Process(ctx, ev)
	if msg == nil {
		return
	}
	if c.opts.Sink != nil {
		if _, err := c.opts.Sink.Save(ctx, msg); err != nil {
			logging.Get(logging.CategoryStore).Error("save message %s: %v", msg.SourceID, err)
		}
	}
	if c.opts.Publisher != nil {
		c.opts.Publisher.Publish(*msg)
	}
}
