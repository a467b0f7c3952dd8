// Package reaper marks transactions whose deadline has passed as
// rollback-only. It never completes a transaction itself: the owner's next
// commit or rollback observes the mark and takes the rollback path.
package reaper

import (
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/coordinator"
	"go.uber.org/zap"
)

const DefaultInterval = time.Second

// Source lists the records the reaper watches.
type Source interface {
	Active() []*coordinator.Record
}

// Reaper scans a Source periodically. The interval bounds how late a timeout
// is noticed; a transaction can overrun its deadline by up to one interval.
type Reaper struct {
	src      Source
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func New(src Source, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		src:      src,
		interval: interval,
		logger:   logger.With(zap.String("component", "reaper")),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Scan marks every expired ACTIVE record and returns how many were marked.
// Records in the middle of completion are skipped.
func (r *Reaper) Scan(now time.Time) int {
	marked := 0
	for _, rec := range r.src.Active() {
		if rec.Expire(now) {
			marked++
		}
	}
	if marked > 0 {
		r.logger.Info("Marked timed out transactions rollback-only", zap.Int("count", marked))
	}
	return marked
}

// Start launches the background scan loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("Timeout reaper started", zap.Duration("interval", r.interval))
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Scan(r.now())
		}
	}
}

// Stop ends the scan loop and waits for it to exit. It is safe to call more than once.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}
