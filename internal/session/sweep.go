package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper expires idle sessions on a cron schedule.
type Sweeper struct {
	manager *Manager
	cron    *cron.Cron
}

// NewSweeper schedules m.Sweep on schedule.
func NewSweeper(m *Manager, schedule string) (*Sweeper, error) {
	if m == nil {
		return nil, fmt.Errorf("session: sweeper: manager is required")
	}
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(schedule, func() {
		if n := m.Sweep(time.Now()); n > 0 {
			m.log.Info("session: sweep expired sessions", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("session: sweeper: schedule %q: %w", schedule, err)
	}
	return &Sweeper{manager: m, cron: c}, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// a sweep in progress to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Next returns the next scheduled sweep after now.
func (s *Sweeper) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(time.Now())
}
