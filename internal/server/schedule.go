package server

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// runScheduler connects partners on their cron schedules until ctx is
// cancelled.
func (s *Server) runScheduler(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	jobs := 0
	for _, p := range s.cfg.Partner {
		if p.Schedule == "" {
			continue
		}
		id := p.ID
		if _, err := c.AddFunc(p.Schedule, func() { s.connect(ctx, id, "scheduled") }); err != nil {
			return fmt.Errorf("server: schedule of %s: %w", id, err)
		}
		s.log.Infof("partner %s scheduled: %s", id, p.Schedule)
		jobs++
	}
	if jobs == 0 {
		<-ctx.Done()
		return nil
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
