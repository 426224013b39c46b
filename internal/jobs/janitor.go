package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper is the part of the redemption service the janitor drives.
type Sweeper interface {
	SweepExpired(now time.Time)
}

// Janitor runs the midnight housekeeping: the redemption ledger is per
// calendar day, so a session opened yesterday must be closed before the
// cafeteria opens, and the audit stream is trimmed so an unattended kiosk
// never grows it unbounded.
type Janitor struct {
	cron   *cron.Cron
	svc    Sweeper
	cache  *redis.Client
	stream string
	log    zerolog.Logger
}

func NewJanitor(svc Sweeper, cache *redis.Client, stream string, log zerolog.Logger) *Janitor {
	c := cron.New(cron.WithSeconds())
	return &Janitor{
		cron:   c,
		svc:    svc,
		cache:  cache,
		stream: stream,
		log:    log,
	}
}

func (j *Janitor) Start() error {
	// A few seconds past midnight, after the store has rolled its day.
	if _, err := j.cron.AddFunc("5 0 0 * * *", j.sweep); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("0 30 4 * * *", j.trimAudit); err != nil {
		return err
	}

	j.cron.Start()
	return nil
}

// Stop halts scheduling and waits briefly for a running job to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (j *Janitor) sweep() {
	j.log.Info().Msg("midnight sweep")
	j.svc.SweepExpired(time.Now())
}

func (j *Janitor) trimAudit() {
	if j.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := j.cache.XTrimMaxLen(ctx, j.stream, 1000).Err(); err != nil {
		j.log.Error().Err(err).Msg("audit trim failed")
	}
}
