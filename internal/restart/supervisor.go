// ABOUTME: Stop/restart supervisor driving the serve loop
// ABOUTME: Injectable signal channels so the restart sequence is testable without OS signals

package restart

import (
	"log/slog"
	"sync"
	"time"
)

// Intent says what the serve loop should do after shutdown completes.
type Intent int

const (
	// IntentStop exits the serve loop and the process.
	IntentStop Intent = iota
	// IntentRestart re-enters the serve loop in the same process.
	IntentRestart
)

// Supervisor coordinates stop and restart requests for the serve loop.
// It is the single place that decides whether a shutdown is already in
// flight, so duplicate stop signals coalesce while a restart request
// arriving mid-shutdown still wins.
type Supervisor struct {
	logger *slog.Logger

	mu           sync.Mutex
	shuttingDown bool
	intent       Intent
	requests     chan Intent
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		logger:   slog.Default().With("component", "supervisor"),
		requests: make(chan Intent, 1),
	}
}

// Requests is the channel the serve loop selects on. At most one intent
// is buffered; later requests update the recorded intent instead of
// queueing.
func (s *Supervisor) Requests() <-chan Intent {
	return s.requests
}

// RequestStop asks for graceful shutdown and process exit. A stop
// arriving while a shutdown is already in progress is ignored.
func (s *Supervisor) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		s.logger.Debug("stop requested while already shutting down, ignoring")
		return
	}
	s.shuttingDown = true
	s.intent = IntentStop
	s.send(IntentStop)
}

// RequestRestart asks for graceful shutdown followed by re-entering the
// serve loop. Unlike a duplicate stop, a restart arriving mid-shutdown
// upgrades the in-flight shutdown into a restart.
func (s *Supervisor) RequestRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		s.logger.Info("restart requested during shutdown, upgrading to restart")
		s.intent = IntentRestart
		return
	}
	s.shuttingDown = true
	s.intent = IntentRestart
	s.send(IntentRestart)
}

func (s *Supervisor) send(i Intent) {
	select {
	case s.requests <- i:
	default:
	}
}

// ScheduleRestart requests a restart after delay. Zero fires immediately
// from a separate goroutine, so the caller's response still flushes first.
func (s *Supervisor) ScheduleRestart(delay time.Duration) {
	time.AfterFunc(delay, s.RequestRestart)
}

// Intent reports the recorded intent, which a restart arriving
// mid-shutdown may have upgraded since the request was dequeued.
func (s *Supervisor) Intent() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// ShutdownComplete marks the in-flight shutdown as finished so the next
// serve-loop iteration accepts new stop/restart requests.
func (s *Supervisor) ShutdownComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = false
}
