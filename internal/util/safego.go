package util

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/moltbunker/stakeledger/internal/logging"
)

var recoveredPanics atomic.Uint64

// SafeGoWithName runs fn in a goroutine, logging and swallowing any panic so
// one failed worker (a websocket pump, the config watcher) cannot take the
// daemon down.
//
//	util.SafeGoWithName("ws-relay", func() { ... })
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				recoveredPanics.Add(1)
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
					logging.Component("util"))
			}
		}()
		fn()
	}()
}

// RecoveredPanics returns how many panics SafeGoWithName has absorbed.
func RecoveredPanics() uint64 {
	return recoveredPanics.Load()
}
