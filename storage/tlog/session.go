package tlog

import (
	"sync"
	"time"

	"github.com/influxdata/translog"
	"github.com/influxdata/translog/pkg/executor"
	"go.uber.org/zap"
)

// ErrSessionRejected is reported to a destination that refused a packet or
// went away.
var ErrSessionRejected = &translog.Error{Code: translog.EUnavailable, Msg: "destination rejected packet"}

// Session replays the entries of a domain within a serial range to a
// destination. It moves from created to running when started, becomes
// in-sync once everything currently stored has been delivered and is
// finished when no further work is expected.
//
// A bounded session finishes as soon as it is in sync. A session whose range
// ends at MaxSerial follows the tail: it is rerun whenever the domain appends
// new entries until it is closed.
type Session struct {
	id     int
	rng    translog.SerialNumRange
	dest   translog.Destination
	domain *Domain
	logger *zap.Logger

	mu        sync.Mutex
	cursor    translog.SerialNum
	started   bool
	running   bool
	runDone   chan struct{}
	wakeup    bool
	inSync    bool
	finished  bool
	errored   bool
	closing   bool
	reported  bool
	startTime time.Time
}

func newSession(id int, rng translog.SerialNumRange, dest translog.Destination, d *Domain) *Session {
	return &Session{
		id:     id,
		rng:    rng,
		dest:   dest,
		domain: d,
		logger: d.logger.With(zap.Int("session", id), zap.Stringer("range", rng)),
		cursor: rng.From,
	}
}

// ID returns the session id.
func (s *Session) ID() int { return s.id }

// Range returns the range the session visits.
func (s *Session) Range() translog.SerialNumRange { return s.rng }

// Cursor returns the last serial delivered, or the start of the range.
func (s *Session) Cursor() translog.SerialNum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// InSync reports whether everything currently stored has been delivered.
func (s *Session) InSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSync
}

// Finished reports whether the session has no further work.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Errored reports whether the session stopped because of an error.
func (s *Session) Errored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// IsVisitRunning reports whether the session's task is executing.
func (s *Session) IsVisitRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartTime returns when the session was started.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// start schedules the first run of the session.
func (s *Session) start(exec executor.Executor, now time.Time) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.startTime = now
	s.mu.Unlock()
	return s.schedule(exec)
}

// schedule submits a run unless one is in progress, in which case the
// running task is asked to go around once more.
func (s *Session) schedule(exec executor.Executor) error {
	s.mu.Lock()
	if s.finished || s.closing {
		s.mu.Unlock()
		return nil
	}
	if s.running {
		s.wakeup = true
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.runDone = make(chan struct{})
	s.mu.Unlock()

	if _, err := exec.Execute(s.run); err != nil {
		s.mu.Lock()
		s.running = false
		close(s.runDone)
		s.mu.Unlock()
		return err
	}
	return nil
}

// wake reruns a started tail-following session after new entries arrived.
func (s *Session) wake(exec executor.Executor) {
	if !s.rng.OpenEnded() {
		return
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	if err := s.schedule(exec); err != nil {
		s.logger.Warn("Failed to reschedule session", zap.Error(err))
	}
}

// requestClose stops further reruns and returns a channel that is closed
// once the current run, if any, has returned.
func (s *Session) requestClose() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.running {
		return s.runDone
	}
	done := make(chan struct{})
	close(done)
	return done
}

// stopRequested reports whether the current run should stop at the next
// packet boundary. Only sessions following the tail are cut short; a bounded
// session always delivers its whole range.
func (s *Session) stopRequested() bool {
	if !s.rng.OpenEnded() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) setCursor(c translog.SerialNum) {
	s.mu.Lock()
	s.cursor = c
	s.mu.Unlock()
}

func (s *Session) run() {
	for {
		s.visit()

		s.mu.Lock()
		if s.wakeup && !s.finished && !s.closing {
			s.wakeup = false
			s.mu.Unlock()
			continue
		}
		s.wakeup = false
		s.running = false
		close(s.runDone)
		s.mu.Unlock()
		return
	}
}

// visit delivers everything currently stored after the cursor, moving from
// part to part.
func (s *Session) visit() {
	for !s.stopRequested() {
		cursor := s.Cursor()
		if cursor >= s.rng.To {
			s.finish(nil)
			return
		}

		dp := s.domain.acquirePart(cursor)
		if dp == nil {
			s.caughtUp()
			return
		}
		if dp.Range().To <= cursor {
			dp.release()
			s.caughtUp()
			return
		}

		err := s.visitPart(dp, cursor)
		dp.release()
		if err != nil {
			s.finish(err)
			return
		}
		if s.Cursor() == cursor {
			s.caughtUp()
			return
		}
	}
}

func (s *Session) visitPart(dp *DomainPart, cursor translog.SerialNum) error {
	pr, err := dp.openReader(cursor)
	if err != nil {
		return err
	}
	defer pr.Close()

	r := translog.SerialNumRange{From: cursor, To: s.rng.To}
	for {
		p := translog.NewPacket()
		more, err := pr.Fill(&r, p, visitPacketSize)
		if err != nil {
			return err
		}
		if !p.Empty() {
			if !s.dest.Connected() || !s.dest.Send(s.id, s.domain.name, p) {
				return ErrSessionRejected
			}
		}
		s.setCursor(r.From)

		if !more || s.stopRequested() {
			return nil
		}
	}
}

// caughtUp marks the session in sync. Bounded sessions are done at this point.
func (s *Session) caughtUp() {
	if !s.rng.OpenEnded() {
		s.finish(nil)
		return
	}
	s.mu.Lock()
	s.inSync = true
	s.mu.Unlock()
}

// finish marks the session finished and reports the outcome once.
func (s *Session) finish(err error) {
	s.mu.Lock()
	s.inSync = true
	s.finished = true
	if err != nil {
		s.errored = true
	}
	report := !s.reported
	s.reported = true
	s.mu.Unlock()

	if !report {
		return
	}
	if err != nil {
		s.logger.Info("Session stopped", zap.Error(err))
		s.dest.Error(s.id, s.domain.name, err)
		return
	}
	s.dest.Done(s.id, s.domain.name)
}
