// Package streamacc buffers an agent's streamed text deltas per task and
// flushes the cumulative text to the chat surface on a fixed cadence
// instead of on every delta: in-memory canonical state behind a mutex,
// periodically externalized to a single chat message that is posted once
// and edited in place as more text arrives.
package streamacc

import (
	"strings"
	"sync"
	"time"

	"context"

	"taskbroker/pkg/logx"
)

// FlushFunc is invoked with a task's full accumulated text so far, every
// time there is new text since the last flush. The receiver is expected to
// post the text once and edit the same message on every later call.
type FlushFunc func(taskID string, text string)

type taskBuffer struct {
	text  strings.Builder
	dirty bool
}

// Accumulator coalesces TaskStream deltas per task and flushes on a ticker.
type Accumulator struct {
	interval time.Duration
	onFlush  FlushFunc
	logger   *logx.Logger

	mu      sync.Mutex
	buffers map[string]*taskBuffer

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Accumulator that calls onFlush roughly every interval for
// any task with pending, unflushed text.
func New(interval time.Duration, onFlush FlushFunc) *Accumulator {
	return &Accumulator{
		interval: interval,
		onFlush:  onFlush,
		logger:   logx.NewLogger("streamacc"),
		buffers:  make(map[string]*taskBuffer),
	}
}

// Append adds a streamed delta to taskID's cumulative buffer.
func (a *Accumulator) Append(taskID, delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[taskID]
	if !ok {
		b = &taskBuffer{}
		a.buffers[taskID] = b
	}
	b.text.WriteString(delta)
	b.dirty = true
}

// FlushNow immediately flushes taskID's cumulative text (if anything is
// pending) and discards its buffer entirely, used when a task reaches a
// terminal state so no trailing text is lost and the task's memory is
// released rather than waiting for the next tick.
func (a *Accumulator) FlushNow(taskID string) {
	a.mu.Lock()
	b, ok := a.buffers[taskID]
	if ok {
		delete(a.buffers, taskID)
	}
	a.mu.Unlock()

	if ok && b.dirty {
		a.onFlush(taskID, b.text.String())
	}
}

// SetFlush installs the flush callback, used when the callback itself
// depends on the Accumulator (the router's StreamFlushFunc needs a
// constructed Accumulator to forget buffers against on terminal frames).
func (a *Accumulator) SetFlush(onFlush FlushFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFlush = onFlush
}

// Start runs the flush loop until ctx is cancelled or Stop is called.
func (a *Accumulator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	ticker := time.NewTicker(a.interval)
	go func() {
		defer close(a.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.flushAll()
			}
		}
	}()
}

// Stop halts the flush loop and blocks until it has exited.
func (a *Accumulator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
}

func (a *Accumulator) flushAll() {
	a.mu.Lock()
	pending := make(map[string]string)
	for taskID, b := range a.buffers {
		if b.dirty {
			pending[taskID] = b.text.String()
			b.dirty = false
		}
	}
	a.mu.Unlock()

	for taskID, text := range pending {
		a.onFlush(taskID, text)
	}
}
