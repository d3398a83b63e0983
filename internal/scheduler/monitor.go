package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/session"
)

// MonitorResult classifies how a monitored task ended.
type MonitorResult int

const (
	// MonitorCompleted means a completion marker appeared in session output.
	MonitorCompleted MonitorResult = iota
	// MonitorTimedOut means the deadline passed without a marker.
	MonitorTimedOut
	// MonitorCancelled means the context was cancelled mid-wait.
	MonitorCancelled
)

func (r MonitorResult) String() string {
	switch r {
	case MonitorCompleted:
		return "completed"
	case MonitorTimedOut:
		return "timed_out"
	case MonitorCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Monitor polls session output for completion markers until a marker appears
// or the task deadline passes. It never ends a task early on any other
// signal; unavailability in the output is classified by the caller after the
// monitor returns.
type Monitor struct {
	sess         session.Session
	markers      []string
	pollInterval time.Duration
	logger       *logging.Logger
}

func NewMonitor(sess session.Session, markers []string, pollInterval time.Duration, logger *logging.Logger) *Monitor {
	if len(markers) == 0 {
		markers = []string{"TASK COMPLETE", "Task completed"}
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Monitor{
		sess:         sess,
		markers:      markers,
		pollInterval: pollInterval,
		logger:       logger.WithComponent("monitor"),
	}
}

// Await blocks until a completion marker is observed, the timeout elapses, or
// ctx is cancelled. The returned string is the last captured output, so the
// caller can classify a timeout (unavailability marker vs genuine failure)
// without a second capture.
func (m *Monitor) Await(ctx context.Context, taskID string, timeout time.Duration) (MonitorResult, string) {
	start := time.Now()
	deadline := start.Add(timeout)
	lastDecile := -1
	lastOutput := ""

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		out, err := m.sess.RecentOutput()
		if err != nil {
			m.logger.Warnf("capture_failed task=%s error=%v", taskID, err)
		} else {
			lastOutput = out
			if marker := m.matchMarker(out); marker != "" {
				m.logger.Infof("marker_observed task=%s marker=%q elapsed=%s",
					taskID, marker, time.Since(start).Round(time.Second))
				return MonitorCompleted, lastOutput
			}
		}

		if decile := int(10 * time.Since(start) / timeout); decile > lastDecile && decile < 10 {
			lastDecile = decile
			m.logger.Debugf("monitor_progress task=%s elapsed=%s timeout=%s",
				taskID, time.Since(start).Round(time.Second), timeout)
		}

		if time.Now().After(deadline) {
			m.logger.Warnf("monitor_timeout task=%s timeout=%s", taskID, timeout)
			return MonitorTimedOut, lastOutput
		}

		select {
		case <-ctx.Done():
			return MonitorCancelled, lastOutput
		case <-ticker.C:
		}
	}
}

func (m *Monitor) matchMarker(out string) string {
	for _, marker := range m.markers {
		if strings.Contains(out, marker) {
			return marker
		}
	}
	return ""
}
