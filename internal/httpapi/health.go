package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one provider.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "unknown"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// providerProbe runs background health checks against every configured
// provider client, resolved from the pipeline's catalog-backed provider
// set rather than a fixed list.
type providerProbe struct {
	providers map[string]providers.Provider
	statuses  map[string]*componentStatus
	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

func newProviderProbe(ctx context.Context, provs map[string]providers.Provider) *providerProbe {
	p := &providerProbe{
		providers: provs,
		statuses:  make(map[string]*componentStatus, len(provs)),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for name := range provs {
		p.statuses[name] = &componentStatus{status: "unknown"}
	}
	p.run(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	return p
}

func (p *providerProbe) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.run(ctx)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *providerProbe) run(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prov := range p.providers {
		name, prov := name, prov
		st := p.statuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := prov.HealthCheck(probeCtx); err != nil {
				st.set("degraded")
			} else {
				st.set("ok")
			}
		}()
	}
	wg.Wait()
}

func (p *providerProbe) close() {
	close(p.done)
	p.wg.Wait()
}

type healthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	ActiveAlerts  int               `json:"active_alerts"`
}

func (p *providerProbe) snapshot(activeAlerts int) healthSnapshot {
	overall := "ok"
	statuses := make(map[string]string, len(p.statuses))
	for name, st := range p.statuses {
		v := st.get()
		statuses[name] = v
		if v != "ok" {
			overall = "degraded"
		}
	}
	if activeAlerts > 0 && overall == "ok" {
		overall = "degraded"
	}
	return healthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Providers:     statuses,
		ActiveAlerts:  activeAlerts,
	}
}

func (s *Server) activeAlertCount() int {
	if s.health == nil {
		return 0
	}
	alerts := s.health.ActiveAlerts()
	count := 0
	for _, a := range alerts {
		if a.Severity == health.SeverityCritical {
			count++
		}
	}
	return count
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.probe == nil {
		apierr.WriteAdmin(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	apierr.WriteAdmin(ctx, fasthttp.StatusOK, s.probe.snapshot(s.activeAlertCount()))
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.activeAlertCount() > 0 {
		apierr.WriteAdmin(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	apierr.WriteAdmin(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}
