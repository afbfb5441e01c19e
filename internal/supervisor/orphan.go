package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
)

const (
	DefaultOrphanGrace = 2 * time.Second
	orphanPollInterval = 50 * time.Millisecond
)

// ReapReport summarizes one orphan recovery pass.
type ReapReport struct {
	Checked    int `json:"checked"`
	Terminated int `json:"terminated"` // exited after SIGTERM
	Killed     int `json:"killed"`     // needed SIGKILL
}

// ReapOrphans terminates shells recorded by a previous run that are still
// alive, then deletes the record. It must run before the first Spawn.
func (s *Supervisor) ReapOrphans(ctx context.Context) (ReapReport, error) {
	var report ReapReport

	entries, err := s.pidLock.Read()
	if err != nil {
		if !errors.Is(err, ErrCorruptRecord) {
			return report, err
		}
		s.logger.Warn("discarding unreadable pid record", zap.String("path", s.pidLock.Path()), zap.Error(err))
		entries = nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	self := os.Getpid()
	for _, e := range entries {
		report.Checked++
		if e.PID <= 1 || e.PID == self || !processAlive(e.PID) {
			// Already gone; nothing to reclaim.
			continue
		}

		wg.Add(1)
		go func(e PidEntry) {
			defer wg.Done()
			killed, ok := s.reap(ctx, e)
			if !ok {
				return
			}
			mu.Lock()
			if killed {
				report.Killed++
			} else {
				report.Terminated++
			}
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	if err := s.pidLock.Remove(); err != nil {
		return report, err
	}
	if report.Terminated+report.Killed > 0 {
		s.logger.Info("reaped orphaned shells",
			zap.Int("checked", report.Checked),
			zap.Int("terminated", report.Terminated),
			zap.Int("killed", report.Killed))
	}
	return report, nil
}

// reap ends one orphan: SIGTERM, wait out the grace window, then SIGKILL.
// It reports whether SIGKILL was needed and whether the orphan was ended by us.
func (s *Supervisor) reap(ctx context.Context, e PidEntry) (killed, ok bool) {
	if err := signalGroup(e.PID, unix.SIGTERM); err != nil {
		// Exited between the liveness check and the signal.
		return false, false
	}

	deadline := time.NewTimer(s.orphanGrace)
	defer deadline.Stop()
	tick := time.NewTicker(orphanPollInterval)
	defer tick.Stop()

wait:
	for processAlive(e.PID) {
		select {
		case <-tick.C:
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	signal := "SIGTERM"
	if processAlive(e.PID) {
		if err := signalGroup(e.PID, unix.SIGKILL); err != nil {
			return false, false
		}
		killed = true
		signal = "SIGKILL"
	}

	if s.metrics != nil {
		s.metrics.OrphansReaped.WithLabelValues(signal).Inc()
	}
	s.record(capture.EventReap, e.SessionID, map[string]any{
		"pid":    e.PID,
		"signal": signal,
		"since":  e.Timestamp.UTC().Format(time.RFC3339),
	})
	return killed, true
}
