package store

import (
	"github.com/gofrs/flock"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Lock is an exclusive advisory lock that keeps a second server process
// from opening the same database.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock file next to dbPath without blocking.
func AcquireLock(dbPath string) (*Lock, error) {
	fl := flock.New(dbPath + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "lock "+fl.Path(), err)
	}
	if !ok {
		return nil, domain.Errorf(domain.ErrStoreLocked, "%s is in use by another process", dbPath)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
