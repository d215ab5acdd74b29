package dispatch

import (
	"context"
	"fmt"
	"time"

	logx "taskpilot/pkg/logx"
)

// Built-in maintenance, scheduled through the dispatcher itself so it shows
// up in diagnostics like any other work.
func (s *Service) registerHousekeeping() {
	cfg := s.configSnapshot()

	_, err := s.Schedule(Descriptor{
		Name: "background-cleanup",
		Run: func(ctx context.Context) (any, error) {
			return s.sweepOnce(), nil
		},
	}, Options{
		Priority:  PriorityLow,
		Delay:     cfg.SweepInterval,
		Recurring: true,
		Interval:  cfg.SweepInterval,
	})
	if err != nil {
		s.log.Warn("failed to schedule cleanup task", logx.Err(err))
	}

	_, err = s.Schedule(Descriptor{
		Name: "resource-refresh",
		Run: func(ctx context.Context) (any, error) {
			if s.res == nil {
				return nil, nil
			}
			s.res.Sample(ctx)
			return s.res.Profile().String(), nil
		},
	}, Options{
		// High so the refresh still runs while throttled; otherwise the
		// dispatcher could never observe pressure easing.
		Priority:  PriorityHigh,
		Delay:     5 * time.Minute,
		Recurring: true,
		Interval:  5 * time.Minute,
	})
	if err != nil {
		s.log.Warn("failed to schedule resource refresh task", logx.Err(err))
	}

	_, err = s.Schedule(Descriptor{
		Name: "health-check",
		Run: func(ctx context.Context) (any, error) {
			st := s.GetStatistics()
			msg := fmt.Sprintf("health: %d total, %d pending, %d running, success rate %.2f",
				st.Total, st.Pending, st.Running, st.SuccessRate)
			s.log.Info("dispatcher health",
				logx.Int("total", st.Total),
				logx.Int("pending", st.Pending),
				logx.Int("running", st.Running),
				logx.Float64("success_rate", st.SuccessRate),
				logx.Duration("avg_duration", st.AvgDuration))
			s.publishStatus(msg)
			return msg, nil
		},
	}, Options{
		Priority:  PriorityNormal,
		Delay:     15 * time.Minute,
		Recurring: true,
		Interval:  15 * time.Minute,
	})
	if err != nil {
		s.log.Warn("failed to schedule health check task", logx.Err(err))
	}
}
