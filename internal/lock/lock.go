// Package lock guards the source database and the live data directory
// against overlapping operations. Acquisition never blocks: a held
// lock fails immediately with a lock error rather than queuing.
package lock

import (
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/sessionctl/sessionctl/internal/errs"
)

type Guard struct {
	file *flock.Flock
}

// AcquireShared takes a shared lock on path. Used on the source
// database file while a snapshot copies it; concurrent snapshots may
// share it, but a restore holding the exclusive lock blocks it.
func AcquireShared(path string) (*Guard, error) {
	fl := flock.New(path)
	ok, err := fl.TryRLock()
	if err != nil {
		return nil, errs.New(errs.KindLock, "", err)
	}
	if !ok {
		return nil, errs.Newf(errs.KindLock, "", "source is busy: %s", path)
	}
	return &Guard{file: fl}, nil
}

// AcquireExclusive takes an exclusive lock on a sidecar lock file next
// to dir. Used for the whole span of a restore against that directory.
func AcquireExclusive(dir string) (*Guard, error) {
	path := LockFilePath(dir)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errs.New(errs.KindLock, "", err)
	}
	if !ok {
		return nil, errs.Newf(errs.KindLock, "", "another operation already holds %s (lock: %s)", dir, path)
	}
	return &Guard{file: fl}, nil
}

// LockFilePath returns the sidecar lock file guarding dir. It lives
// next to the directory, not inside it, so the swap moves never carry
// the lock file along.
func LockFilePath(dir string) string {
	return filepath.Join(filepath.Dir(dir), filepath.Base(dir)+".lock")
}

// Release frees the lock.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	return g.file.Unlock()
}
