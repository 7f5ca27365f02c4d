package pool

import (
	"time"

	"github.com/cuemby/snops/pkg/log"
	"github.com/robfig/cron/v3"
)

// staleSweepSchedule runs the liveness sweep every 15 seconds, per spec.
const staleSweepSchedule = "@every 15s"

// LivenessSweeper periodically demotes agents whose transport has gone
// quiet from the pool's connected view, without touching their persisted
// AgentState or AgentFlags — only Agent.TransportHandle is cleared, so a
// reconnect picks the record back up unchanged.
type LivenessSweeper struct {
	pool       *Pool
	staleAfter time.Duration
	cron       *cron.Cron
}

// NewLivenessSweeper builds a sweeper that demotes any agent whose
// LastSeen is older than staleAfter.
func NewLivenessSweeper(p *Pool, staleAfter time.Duration) *LivenessSweeper {
	return &LivenessSweeper{pool: p, staleAfter: staleAfter, cron: cron.New()}
}

// Start schedules the sweep and begins running it in the background.
func (s *LivenessSweeper) Start() error {
	if _, err := s.cron.AddFunc(staleSweepSchedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (s *LivenessSweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *LivenessSweeper) sweep() {
	cutoff := time.Now().Unix() - int64(s.staleAfter/time.Second)

	s.pool.mu.Lock()
	var demoted int
	for _, a := range s.pool.agents {
		if a.TransportHandle != nil && a.LastSeen < cutoff {
			a.TransportHandle = nil
			demoted++
		}
	}
	s.pool.mu.Unlock()

	if demoted > 0 {
		log.Logger.Info().Int("count", demoted).Msg("pool: demoted stale agents from connected view")
	}
}
