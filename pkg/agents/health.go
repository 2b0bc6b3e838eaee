package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/robfig/cron/v3"
)

type healthProbe struct {
	id    string
	agent Agent
}

type healthTransition struct {
	id     string
	health models.AgentHealth
}

// Sweep polls every agent's self-reported health and marks agents that have
// not answered for more than two intervals as unresponsive.
func (d *Directory) Sweep(ctx context.Context) {
	d.mu.RLock()
	probes := make([]healthProbe, 0, len(d.order))
	for _, id := range d.order {
		probes = append(probes, healthProbe{id: id, agent: d.entries[id].agent})
	}
	d.mu.RUnlock()

	type report struct {
		health models.AgentHealth
		err    error
	}

	reports := make(map[string]report, len(probes))

	for _, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, d.healthInterval)
		health, err := probe.agent.Health(probeCtx)
		cancel()

		reports[probe.id] = report{health: health, err: err}
	}

	now := d.now()
	unresponsiveAfter := 2 * d.healthInterval

	var transitions []healthTransition

	d.mu.Lock()
	for id, r := range reports {
		e, ok := d.entries[id]
		if !ok {
			continue
		}

		registration := &e.registration
		previous := registration.Health.Healthy

		if r.err == nil {
			registration.LastSeen = now
			registration.Metrics = r.health.Metrics
			registration.Health = r.health
			registration.Health.Timestamp = now
		}

		if now.Sub(registration.LastSeen) > unresponsiveAfter {
			registration.Health = models.AgentHealth{
				Healthy:   false,
				Reason:    "unresponsive",
				Timestamp: now,
				Metrics:   registration.Metrics,
			}
		}

		if previous != registration.Health.Healthy {
			transitions = append(transitions, healthTransition{id: id, health: registration.Health})
		}
	}
	d.mu.Unlock()

	for _, probe := range probes {
		if r := reports[probe.id]; r.err != nil {
			d.logger.DebugContext(ctx, "Agent health probe failed", "agent_id", probe.id, "error", r.err)
		}
	}

	for _, transition := range transitions {
		d.notifyHealthChanged(ctx, transition.id, transition.health)
	}
}

// StartHealthMonitor runs Sweep every health interval until Stop.
func (d *Directory) StartHealthMonitor(ctx context.Context) error {
	d.cronMu.Lock()
	defer d.cronMu.Unlock()

	if d.scheduler != nil {
		return nil
	}

	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", d.healthInterval), func() {
		d.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}

	scheduler.Start()
	d.scheduler = scheduler

	d.logger.InfoContext(ctx, "Health monitor started", "interval", d.healthInterval.String())

	return nil
}

// Stop halts the health monitor and waits for a running sweep to finish.
func (d *Directory) Stop() {
	d.cronMu.Lock()
	scheduler := d.scheduler
	d.scheduler = nil
	d.cronMu.Unlock()

	if scheduler == nil {
		return
	}

	stopCtx := scheduler.Stop()

	select {
	case <-stopCtx.Done():
	case <-time.After(d.healthInterval):
	}
}
