package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/catnip/catbot/internal/store"
)

const defaultSweepInterval = time.Minute

// Sweeper periodically marks stale pending actions expired. Confirmation
// re-checks expiry itself, so the sweep is housekeeping for listings and
// operators, not a correctness requirement.
type Sweeper struct {
	store    *store.Store
	logger   *charmLog.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewSweeper(st *store.Store, logger *charmLog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = charmLog.New(os.Stderr)
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		store:    st,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop; Stop blocks until it exits.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()

	s.sweepOnce()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	expired, err := s.store.ExpireStalePendingActions(context.Background(), time.Now())
	if err != nil {
		s.logger.Error("pending action sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("pending actions expired", "count", expired)
	}
}
