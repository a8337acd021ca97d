// Package logging wires a single structured logger used by every nvfuse
// subsystem: a zap.SugaredLogger injected at mount time, so control-plane
// and data-plane processes can carry distinct fields (role, app name).
// Global/SetGlobal hold a process-wide fallback logger.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Logger is the logger type every nvfuse package depends on, an alias for
// *zap.SugaredLogger; tests may substitute zap.NewNop().Sugar().
type Logger = *zap.SugaredLogger

var nop = zap.NewNop().Sugar()

// New builds a production logger tagged with role ("control-plane" or
// "data-plane") and app name.
func New(role, app string) Logger {
	base, err := zap.NewProduction()
	if err != nil {
		base = zap.NewNop()
	}
	return base.Sugar().With("role", role, "app", app)
}

// Nop returns a logger that discards everything, for package tests that
// don't want mount-time log wiring.
func Nop() Logger { return nop }

var global atomic.Value

func init() {
	global.Store(nop)
}

// SetGlobal installs l as the process-wide fallback logger, used by code
// paths (like panics translated to fatal errors) that run before a Config
// has threaded a logger through.
func SetGlobal(l Logger) { global.Store(l) }

// Global returns the process-wide fallback logger.
func Global() Logger { return global.Load().(Logger) }
