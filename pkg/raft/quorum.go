package raft

import (
	"context"
	"time"
)

// quorumJoin waits for at least `quorum` of the given tasks to report ok,
// or bails out early once quorum is unreachable (too many have reported
// !ok), or on timeout/ctx cancellation. It is grounded on the original
// source's generic quorum_join helper and unifies what the teacher
// hand-rolled separately for election vote counting and for
// leadership-confirmation heartbeat acks.
func quorumJoin(ctx context.Context, timeout time.Duration, quorum int, tasks []func(context.Context) bool) bool {
	if quorum <= 0 {
		return true
	}
	total := len(tasks)
	if quorum > total {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan bool, total)
	for _, task := range tasks {
		task := task
		go func() {
			results <- task(ctx)
		}()
	}

	oks, fails := 0, 0
	for i := 0; i < total; i++ {
		select {
		case r := <-results:
			if r {
				oks++
				if oks >= quorum {
					return true
				}
			} else {
				fails++
				if fails > total-quorum {
					return false
				}
			}
		case <-ctx.Done():
			return false
		}
	}
	return oks >= quorum
}
