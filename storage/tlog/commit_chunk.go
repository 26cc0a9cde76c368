package tlog

import (
	"context"
	"time"

	"github.com/influxdata/translog"
)

// CommitChunk accumulates appended packets, and the callbacks waiting on
// them, until they are written in one batch.
type CommitChunk struct {
	packet    *translog.Packet
	callbacks []translog.DoneCallback
	sizeLimit int
	created   time.Time
}

func newCommitChunk(sizeLimit int, now time.Time) *CommitChunk {
	return &CommitChunk{
		packet:    translog.NewPacket(),
		sizeLimit: sizeLimit,
		created:   now,
	}
}

// Add merges p into the chunk and registers done, which may be nil.
func (c *CommitChunk) Add(p *translog.Packet, done translog.DoneCallback) error {
	if err := c.packet.Merge(p); err != nil {
		return err
	}
	c.AddCallback(done)
	return nil
}

// AddCallback registers a callback without adding entries.
func (c *CommitChunk) AddCallback(done translog.DoneCallback) {
	if done != nil {
		c.callbacks = append(c.callbacks, done)
	}
}

// Full reports whether the chunk has reached its byte budget.
func (c *CommitChunk) Full() bool { return c.packet.SizeBytes() >= c.sizeLimit }

// Empty reports whether the chunk holds no entries.
func (c *CommitChunk) Empty() bool { return c.packet.Empty() }

// Packet returns the merged entries.
func (c *CommitChunk) Packet() *translog.Packet { return c.packet }

// SizeBytes returns the encoded size of the merged entries.
func (c *CommitChunk) SizeBytes() int { return c.packet.SizeBytes() }

// Age returns how long the chunk has been collecting entries.
func (c *CommitChunk) Age(now time.Time) time.Duration { return now.Sub(c.created) }

// complete reports err to every registered callback.
func (c *CommitChunk) complete(err error) {
	for _, done := range c.callbacks {
		done(err)
	}
	c.callbacks = nil
}

// CommitResult is returned by StartCommit and completes once everything
// committed before it has been written.
type CommitResult struct {
	done chan struct{}
	err  error
}

func newCommitResult() *CommitResult {
	return &CommitResult{done: make(chan struct{})}
}

func (r *CommitResult) callback() translog.DoneCallback {
	return func(err error) {
		r.err = err
		close(r.done)
	}
}

// Done returns a channel that is closed when the commit has completed.
func (r *CommitResult) Done() <-chan struct{} { return r.done }

// Wait blocks until the commit has completed or ctx is done.
func (r *CommitResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
