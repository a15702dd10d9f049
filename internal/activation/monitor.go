package activation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rancher/envpush/internal/platform"
)

// ErrTimeout is returned by Monitor.Wait when activities outlive the timeout.
var ErrTimeout = errors.New("activation: timed out waiting for activities")

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 30 * time.Minute
)

// Monitor polls remote activities until they complete.
type Monitor struct {
	client   platform.Client
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	out      io.Writer
	log      *slog.Logger
}

// NewMonitor returns a Monitor. A nil clock means the real clock; zero
// durations fall back to defaults.
func NewMonitor(client platform.Client, clock clockwork.Clock, interval, timeout time.Duration, out io.Writer, logger *slog.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Monitor{
		client:   client,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		out:      out,
		log:      logger,
	}
}

// Wait blocks until every activity is complete and reports whether all of
// them succeeded.
func (m *Monitor) Wait(ctx context.Context, projectID string, activities []platform.Activity) (bool, error) {
	pending := make(map[string]platform.Activity, len(activities))
	order := make([]string, 0, len(activities))
	for _, activity := range activities {
		if _, seen := pending[activity.ID]; seen {
			continue
		}
		pending[activity.ID] = activity
		order = append(order, activity.ID)
	}

	start := m.clock.Now()
	success := true

	for {
		for _, id := range order {
			if _, ok := pending[id]; !ok {
				continue
			}

			activity, err := m.client.GetActivity(ctx, projectID, id)
			if err != nil {
				if platform.IsRetryable(err) {
					if m.log != nil {
						m.log.Debug("activity poll failed, will retry", "activity", id, "error", err)
					}
					continue
				}
				return false, fmt.Errorf("get activity %s: %w", id, err)
			}
			if !activity.IsComplete() {
				continue
			}

			delete(pending, id)
			if activity.Result != platform.ActivityResultSuccess {
				success = false
			}
			m.report(activity)
		}

		if len(pending) == 0 {
			return success, nil
		}
		if m.clock.Since(start) >= m.timeout {
			return false, fmt.Errorf("%w after %s (%d pending)", ErrTimeout, m.timeout, len(pending))
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-m.clock.After(m.interval):
		}
	}
}

func (m *Monitor) report(activity platform.Activity) {
	if m.log != nil {
		m.log.Debug("activity completed", "activity", activity.ID, "result", activity.Result)
	}
	if m.out == nil {
		return
	}

	description := activity.Description
	if description == "" {
		description = "Activity " + activity.ID
	}
	if activity.Result == platform.ActivityResultSuccess {
		_, _ = fmt.Fprintf(m.out, "%s: %s\n", description, successColor.Sprint("completed successfully"))
		return
	}
	_, _ = fmt.Fprintf(m.out, "%s: %s\n", description, failureColor.Sprint("failed"))
}
