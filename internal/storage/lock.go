package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// LockFile is the per-user advisory lock taken by every file store operation.
const LockFile = ".lock"

// UserLocker is implemented by stores whose data can be shared by several
// processes. LockUser blocks until the caller owns userID's data and returns
// a context that marks the lock as held: store calls made with it do not
// lock again. The returned func releases the lock.
type UserLocker interface {
	LockUser(ctx context.Context, userID string) (context.Context, func(), error)
}

type heldLockKey struct{}

type heldLock struct {
	owner  any
	userID string
}

func withHeldLock(ctx context.Context, owner any, userID string) context.Context {
	return context.WithValue(ctx, heldLockKey{}, heldLock{owner: owner, userID: userID})
}

func holdsLock(ctx context.Context, owner any, userID string) bool {
	h, ok := ctx.Value(heldLockKey{}).(heldLock)
	return ok && h.owner == owner && h.userID == userID
}

// flockPath takes an exclusive flock on path, creating the file and its
// directory when missing. Each call opens its own descriptor, so callers in
// one process serialize the same way separate processes do.
func flockPath(path string) (unlock func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close() //nolint:errcheck // cleanup in error path
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck // unlock best-effort
		_ = f.Close()                                   //nolint:errcheck // lock file holds no data
	}, nil
}
