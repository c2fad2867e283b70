package swap

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// LockGuard is a time-bounded single-holder token taken before an
// irreversible action on a swap. It is persisted with the record, so a lock
// reloaded after a restart expires on its own.
type LockGuard struct {
	mu          sync.Mutex
	lockedUntil int64
	epoch       uint64
}

// Acquire takes the guard for timeout if it is free at now. The returned
// release function only unlocks while no later Acquire has succeeded.
func (g *LockGuard) Acquire(now time.Time, timeout time.Duration) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Unix() < g.lockedUntil {
		return nil, false
	}
	g.lockedUntil = now.Add(timeout).Unix()
	g.epoch++
	epoch := g.epoch

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.epoch == epoch {
			g.lockedUntil = 0
		}
	}, true
}

// IsLocked reports whether the guard is held at now.
func (g *LockGuard) IsLocked(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Unix() < g.lockedUntil
}

type lockGuardJSON struct {
	LockedUntil int64  `json:"lockedUntil,string"`
	Epoch       uint64 `json:"epoch,string"`
}

func (g *LockGuard) MarshalJSON() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return json.Marshal(lockGuardJSON{LockedUntil: g.lockedUntil, Epoch: g.epoch})
}

func (g *LockGuard) UnmarshalJSON(b []byte) error {
	var v lockGuardJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lockedUntil = v.LockedUntil
	g.epoch = v.Epoch
	return nil
}

func (g *LockGuard) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return "locked_until=" + strconv.FormatInt(g.lockedUntil, 10) + " epoch=" + strconv.FormatUint(g.epoch, 10)
}
