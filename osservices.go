package embedfs

import (
	"os"
	"sync"
	"time"
)

// Clock is an out-of-scope OS service the core calls out to rather than
// owns, alongside the mutex and user/group id lookup. Used for timestamps.
type Clock interface {
	Now() time.Time
}

// Locker is the single global mutex that serializes all mutating entry
// points. Passed in explicitly via Volume rather than reached for as a
// package-level lock, so multiple volumes never contend on one mutex.
type Locker interface {
	Lock()
	Unlock()
}

// OwnerIDs supplies the calling user/group id, consulted by create/chown
// when Config.PosixPerms is set.
type OwnerIDs interface {
	UID() uint32
	GID() uint32
}

// systemClock is the stdlib-backed default Clock. No ecosystem clock
// library improves on time.Now for this (documented in DESIGN.md).
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// noLock is a Locker used when the caller has already arranged external
// serialization (e.g. a single goroutine driving one Volume) and does not
// want the overhead of a real mutex.
type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// processOwner reports the current process's uid/gid via the stdlib os
// package, the default OwnerIDs implementation.
type processOwner struct{}

func (processOwner) UID() uint32 { return uint32(os.Getuid()) }
func (processOwner) GID() uint32 { return uint32(os.Getgid()) }

var (
	_ Locker   = (*sync.Mutex)(nil)
	_ Clock    = systemClock{}
	_ OwnerIDs = processOwner{}
)
