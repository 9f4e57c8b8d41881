package telemetry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/registry"
)

// Pump drives the telemetry provider on an interval: it refreshes device
// discovery, folds samples into the registry and store, and expires devices
// whose telemetry went silent. The thermal executors read from the store,
// so one provider poll serves both the scheduler and thermal control.
type Pump struct {
	provider domain.TelemetryProvider
	reg      *registry.Registry
	store    *Store
	interval time.Duration
	liveness time.Duration

	// OnExpired is invoked for each device dropped by the liveness sweep.
	OnExpired func(deviceID string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPump(provider domain.TelemetryProvider, reg *registry.Registry, store *Store, interval time.Duration, cfg config.TelemetryConfig) *Pump {
	return &Pump{
		provider: provider,
		reg:      reg,
		store:    store,
		interval: interval,
		liveness: cfg.LivenessTimeout,
		stopCh:   make(chan struct{}),
	}
}

// Run polls until the context is cancelled or Stop is called. Discovery
// runs once up front so placements can start before the first tick.
func (p *Pump) Run(ctx context.Context) {
	p.Tick()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

func (p *Pump) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Tick performs one discovery, sample and expiry pass. Exported so tests
// and one-shot commands can drive the pump without the loop.
func (p *Pump) Tick() {
	devices, err := p.provider.GetDevices()
	if err != nil {
		log.Printf("telemetry: device discovery failed: %v", err)
	}
	for _, d := range devices {
		p.reg.UpsertDevice(d)
	}

	samples, err := p.provider.Sample()
	if err != nil {
		log.Printf("telemetry: sampling failed: %v", err)
	}
	for _, sample := range samples {
		p.store.Ingest(sample)
		if err := p.reg.ApplySample(sample); err != nil {
			if !errors.Is(err, registry.ErrDeviceNotFound) {
				log.Printf("telemetry: sample for %s rejected: %v", sample.DeviceID, err)
			}
		}
	}

	for _, id := range p.reg.ExpireStale(p.liveness) {
		p.store.Forget(id)
		log.Printf("telemetry: device %s expired after %s of silence", id, p.liveness)
		if p.OnExpired != nil {
			p.OnExpired(id)
		}
	}
}
