package common

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrModulePaused  = errors.New("module paused")
	ErrReentrantCall = errors.New("reentrant call")
	ErrNotOwner      = errors.New("caller is not the owner")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// CallGuard rejects nested entry into a module while a call is in flight. It
// never blocks: a second Enter before the first release fails immediately.
type CallGuard struct {
	entered atomic.Bool
}

// Enter acquires the guard. The returned release func must be invoked on
// every exit path; calling it more than once is harmless.
func (g *CallGuard) Enter() (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.entered.Store(false)
		}
	}, nil
}

// Active reports whether a guarded call is currently executing.
func (g *CallGuard) Active() bool {
	if g == nil {
		return false
	}
	return g.entered.Load()
}

// Ownable is the owner-check capability shared by privileged module surfaces.
type Ownable struct {
	owner common.Address
}

func NewOwnable(owner common.Address) Ownable {
	return Ownable{owner: owner}
}

func (o Ownable) Owner() common.Address { return o.owner }

// RequireOwner fails with ErrNotOwner unless caller matches the owner.
func (o Ownable) RequireOwner(caller common.Address) error {
	if caller != o.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}
