package registry

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openacd/agentcore/internal/logger"
)

// Sweeper periodically renews the Redis lease of every login held on this
// node. It does not remove local registry entries, and a lease that has
// already lapsed is not recreated. It is the crash-recovery backstop in
// place of BEAM's supervisor-tree link monitoring: if a node dies outright
// its leases are no longer renewed and expire, after which StartAgent on
// any node can claim the login again.
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
	schedule string
}

// NewSweeper wires a cron-scheduled sweep, grounded on use of
// scheduled background jobs for periodic reconciliation (uses a
// ticker for its stale-connection check; this core uses robfig/cron
// instead so the interval is configurable via a cron expression rather
// than a hardcoded Go duration).
func NewSweeper(r *Registry, schedule string) *Sweeper {
	return &Sweeper{registry: r, cron: cron.New(cron.WithSeconds()), schedule: schedule}
}

// Start registers the sweep job and begins the cron scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	log := logger.Registry()

	listCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	listing, err := s.registry.List(listCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("sweep: list failed")
		return
	}

	for _, l := range listing {
		if l.NodeID != s.registry.nodeID {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.registry.cache.Expire(ctx, leaseKey(l.Login), s.registry.leaseTTL)
		cancel()
		if err != nil {
			log.Warn().Str("login", l.Login).Err(err).Msg("sweep: lease renewal failed")
		}
	}
}
