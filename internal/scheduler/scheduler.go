// Package scheduler drives the periodic exit scan. Ticks are aligned to the
// wall clock so a scan configured at one minute fires at :00 of every
// minute regardless of when the process started, which keeps log timelines
// comparable across restarts.
package scheduler

import (
	"context"
	"time"

	"talon/internal/logger"
)

type Aligned struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAligned(ctx context.Context, interval, offset time.Duration) *Aligned {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Aligned{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, invoking task once per aligned interval until the context
// is cancelled. Tasks run inline: a slow pass delays the next tick rather
// than stacking concurrent scans.
func (s *Aligned) Start(task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("scheduler: started interval=%s offset=%s run_immediately=%v",
		s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		task()
	}

	for {
		wait := s.untilNext(s.nowFn())
		if wait <= 0 {
			task()
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task()
	}
}

// untilNext returns how long to sleep so the next run lands on the next
// interval boundary plus the offset.
func (s *Aligned) untilNext(now time.Time) time.Duration {
	now = now.UTC()
	next := now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
	return next.Sub(now)
}
