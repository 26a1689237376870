package raft

import (
	"context"
	"time"
)

// ThreadHandle owns one background loop (spec §4.8, §9 "Background thread
// management"). It is grounded on the original source's ThreadHandle
// wrapping an AbortHandle with a Drop impl: Stop cancels the loop's context
// and waits for it to actually exit before returning, so a caller can rely
// on no further store/transport calls happening once Stop returns.
type ThreadHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop aborts the loop and blocks until it has exited.
func (h *ThreadHandle) Stop() {
	h.cancel()
	<-h.done
}

// startThread spawns run in a goroutine under a cancelable child context and
// returns a handle to stop it. run must return promptly after ctx is done.
func startThread(parent context.Context, run func(ctx context.Context)) *ThreadHandle {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(ctx)
	}()
	return &ThreadHandle{cancel: cancel, done: done}
}

// runLoop is the common shape shared by every thread in spec §4.8: wake on
// an event channel or an interval tick, do bounded work via fn, yield. No
// thread holds a long-lived lock across this wait (spec §5).
func runLoop(ctx context.Context, event <-chan struct{}, interval time.Duration, fn func(ctx context.Context)) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-event:
			fn(ctx)
		case <-tick:
			fn(ctx)
		}
	}
}

// runIntervalLoop is runLoop without an event channel, for threads that are
// purely interval-driven (election, log_compaction, ...).
func runIntervalLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
