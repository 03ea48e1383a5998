// Package journal is the operator-facing process logger: startup/shutdown
// messages and subsystem errors, gated by a verbosity level, with an
// optional mirror to the systemd journal. It is deliberately separate from
// internal/logpipeline, which is the per-deployment durable/replayable log
// stream (see SPEC_FULL.md §4.0.1).
package journal

import (
	"fmt"
	"sync"
	"time"

	systemdjournal "github.com/coreos/go-systemd/v22/journal"
)

// Level mirrors the teacher's integer verbosity scale: 0 silent, 1
// progress, 2 timestamped progress, 3 data/debug.
type Level int

const (
	Silent Level = 0
	Normal Level = 1
	Timed  Level = 2
	Debug  Level = 3
)

var (
	mu            sync.Mutex
	verbosity     = Normal
	mirrorToJournald bool
)

// Configure sets the global verbosity and whether entries also go to the
// systemd journal. Call once at startup.
func Configure(level Level, toJournald bool) {
	mu.Lock()
	defer mu.Unlock()
	verbosity = level
	mirrorToJournald = toJournald
}

// Printf prints message at requiredLevel if the configured verbosity is at
// least that level, prefixing a timestamp once verbosity reaches Timed.
func Printf(requiredLevel Level, format string, args ...interface{}) {
	mu.Lock()
	v := verbosity
	mu.Unlock()

	if v == Silent || requiredLevel > v {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if v >= Timed {
		msg = time.Now().Format("15:04:05.000000") + ": " + msg
	}
	fmt.Print(msg)
}

// Error prints err (if non-nil) at any verbosity and, when configured,
// mirrors it to the systemd journal at priority err.
func Error(description string, err error) {
	if err == nil {
		return
	}

	mu.Lock()
	mirror := mirrorToJournald
	mu.Unlock()

	if mirror {
		if sendErr := systemdjournal.Send(fmt.Sprintf("%s: %v", description, err), systemdjournal.PriErr, nil); sendErr != nil {
			fmt.Printf("failed to create journald entry: %v\n", sendErr)
		}
	}

	fmt.Printf("\n%s: %v\n", description, err)
}
