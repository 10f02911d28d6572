package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SlotCounter reports how many slots accept marks at now.
type SlotCounter interface {
	CountOpen(ctx context.Context, now time.Time) (int, error)
}

// Gauge receives the open slot count.
type Gauge interface {
	Set(float64)
}

// Pruner drops idle rate limiter state.
type Pruner interface {
	Prune(idle time.Duration) int
}

type Scheduler struct {
	cron    *cron.Cron
	spec    string
	slots   SlotCounter
	gauge   Gauge
	pruners []Pruner
	log     zerolog.Logger
}

// NewScheduler runs the periodic housekeeping on spec (six fields, with seconds).
func NewScheduler(spec string, slots SlotCounter, gauge Gauge, log zerolog.Logger, pruners ...Pruner) *Scheduler {
	if spec == "" {
		spec = "0 * * * * *"
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		spec:    spec,
		slots:   slots,
		gauge:   gauge,
		pruners: pruners,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.refreshOpenSlots); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 */10 * * * *", s.pruneLimiters); err != nil {
		return err
	}
	s.refreshOpenSlots()
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) refreshOpenSlots() {
	if s.slots == nil || s.gauge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.slots.CountOpen(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("refresh open slots failed")
		return
	}
	s.gauge.Set(float64(n))
}

func (s *Scheduler) pruneLimiters() {
	for _, p := range s.pruners {
		if n := p.Prune(15 * time.Minute); n > 0 {
			s.log.Debug().Int("buckets", n).Msg("pruned idle rate limit buckets")
		}
	}
}
