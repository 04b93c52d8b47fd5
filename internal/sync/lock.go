package sync

import (
	"context"
	stdsync "sync"
)

// targetLocks holds one lock per absolute target directory, shared by every
// Engine in the process
var targetLocks = struct {
	mu    stdsync.Mutex
	locks map[string]chan struct{}
}{locks: make(map[string]chan struct{})}

// lockTarget blocks until the target directory is free or ctx is done
func lockTarget(ctx context.Context, targetDir string) (func(), error) {
	targetLocks.mu.Lock()
	sem, ok := targetLocks.locks[targetDir]
	if !ok {
		sem = make(chan struct{}, 1)
		targetLocks.locks[targetDir] = sem
	}
	targetLocks.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
