package engine

import (
	"context"
	"time"

	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/host"
	"github.com/hazyhaar/liaison/observability"
)

// restartState is the supervisor's per-host bookkeeping between ticks.
type restartState struct {
	faultedAt time.Time // zero while healthy
	gaveUp    bool      // restart budget exhausted, reported once
}

func (p *production) startSupervisor() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.supCancel = cancel
	p.supDone = done
	p.mu.Unlock()
	go p.supervise(ctx, done)
}

// supervise polls host state and applies each item's restart_policy. It
// also samples per-host metrics on a slower tick. The loop exits when the
// production stops.
func (p *production) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	tick := time.NewTicker(p.eng.superviseEvery)
	defer tick.Stop()
	sample := time.NewTicker(p.eng.sampleEvery)
	defer sample.Stop()

	seen := make(map[string]*restartState)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.applyRestartPolicy(ctx, seen)
		case <-sample.C:
			p.sampleMetrics()
		}
	}
}

// applyRestartPolicy restarts faulted hosts. A host is faulted when it sits
// in the error state, or when policy "always" finds it stopped without the
// engine having stopped it. Each fault waits out restart_delay before the
// restart fires; max_restarts bounds the attempts, and a host that stays
// running for ten restart delays earns its budget back.
func (p *production) applyRestartPolicy(ctx context.Context, seen map[string]*restartState) {
	// A control verb in flight owns the host set; skip this tick rather
	// than restart a host mid-deploy.
	if !p.opMu.TryLock() {
		return
	}
	defer p.opMu.Unlock()

	p.mu.Lock()
	hs := p.hosts
	running := p.running
	p.mu.Unlock()
	if !running {
		return
	}

	now := p.eng.now()
	for _, h := range hs {
		name := h.Name()
		st := seen[name]
		if st == nil {
			st = &restartState{}
			seen[name] = st
		}

		item := h.Item()
		policy := item.Host.RestartPolicy
		state := h.State()

		faulted := state == host.StateError ||
			(policy == config.RestartAlways && state == host.StateStopped)

		if !faulted {
			st.faultedAt = time.Time{}
			if h.Restarts() > 0 {
				if since, ok := h.RunningSince(); ok &&
					now.Sub(since) >= 10*item.Host.RestartDelay.Std() {
					h.ResetRestarts()
					st.gaveUp = false
				}
			}
			continue
		}

		if policy == config.RestartNever || st.gaveUp {
			continue
		}
		if h.Restarts() >= item.Host.MaxRestarts {
			st.gaveUp = true
			cause := ""
			if err := h.Err(); err != nil {
				cause = err.Error()
			}
			p.logger.Error("restart budget exhausted", "item", name,
				"restarts", h.Restarts(), "error", cause)
			p.eng.event(observability.Event{
				Project:  p.project,
				Item:     name,
				Type:     observability.EventRestartsExhausted,
				Severity: observability.SeverityError,
				Error:    cause,
				Detail:   observability.Detail(map[string]int{"restarts": h.Restarts()}),
			})
			continue
		}

		if st.faultedAt.IsZero() {
			st.faultedAt = now
			continue
		}
		if now.Sub(st.faultedAt) < item.Host.RestartDelay.Std() {
			continue
		}
		st.faultedAt = time.Time{}

		p.restartHost(ctx, h, state)
	}
}

func (p *production) restartHost(ctx context.Context, h *host.Host, state host.State) {
	name := h.Name()
	cause := ""
	if err := h.Err(); err != nil {
		cause = err.Error()
	}
	h.NoteRestart()
	attempt := h.Restarts()

	var err error
	if state == host.StateStopped {
		err = h.Start(ctx)
	} else {
		err = h.Reload(ctx, h.Item())
	}
	if err != nil {
		p.logger.Warn("restart failed", "item", name, "attempt", attempt, "error", err)
	} else {
		p.logger.Info("host restarted", "item", name, "attempt", attempt, "cause", cause)
	}

	sev := observability.SeverityWarn
	if err != nil {
		sev = observability.SeverityError
		cause = err.Error()
	}
	p.eng.event(observability.Event{
		Project:  p.project,
		Item:     name,
		Type:     observability.EventRestart,
		Severity: sev,
		Error:    cause,
		Detail:   observability.Detail(map[string]int{"attempt": attempt}),
	})
}

// sampleMetrics pushes one row per counter per host into the metrics
// store, labelled by project and item.
func (p *production) sampleMetrics() {
	mm := p.eng.metrics
	if mm == nil {
		return
	}
	p.mu.Lock()
	hs := p.hosts
	p.mu.Unlock()

	for _, h := range hs {
		snap := h.Metrics().Snapshot()
		labels := map[string]string{"project": p.project, "item": h.Name()}
		mm.Record(&observability.Metric{
			Name: observability.MetricQueueDepth, Value: float64(h.QueueDepth()),
			Labels: labels, Unit: "count",
		})
		mm.Record(&observability.Metric{
			Name: observability.MetricReceived, Value: float64(snap.Received),
			Labels: labels, Unit: "count",
		})
		mm.Record(&observability.Metric{
			Name: observability.MetricProcessed, Value: float64(snap.Processed),
			Labels: labels, Unit: "count",
		})
		mm.Record(&observability.Metric{
			Name: observability.MetricFailed, Value: float64(snap.Failed),
			Labels: labels, Unit: "count",
		})
		mm.Record(&observability.Metric{
			Name: observability.MetricExpired, Value: float64(snap.Expired),
			Labels: labels, Unit: "count",
		})
		mm.Record(&observability.Metric{
			Name: observability.MetricDropped, Value: float64(snap.Dropped),
			Labels: labels, Unit: "count",
		})
		mm.Record(&observability.Metric{
			Name: observability.MetricLatencyMeanMs, Value: snap.LatencyMeanMs,
			Labels: labels, Unit: "ms",
		})
	}
}
