package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shardfleet/shardfleet-scheduler/internal/adapters/nvml"
	"github.com/shardfleet/shardfleet-scheduler/internal/config"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/placement"
	"github.com/shardfleet/shardfleet-scheduler/internal/registry"
	"github.com/shardfleet/shardfleet-scheduler/internal/scoring"
	"github.com/shardfleet/shardfleet-scheduler/internal/telemetry"
	"github.com/shardfleet/shardfleet-scheduler/internal/thermal"
	"github.com/shardfleet/shardfleet-scheduler/internal/topology"
)

// newProvider initializes NVML with a short retry, falling back to the mock
// provider on hosts without accelerator hardware.
func newProvider(useMock bool) domain.TelemetryProvider {
	if !useMock {
		real := nvml.NewNVMLProvider()
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		err := backoff.Retry(real.Init, policy)
		if err == nil {
			return real
		}
		log.Printf("Warning: NVML not available (%v), using mock provider", err)
	}

	return nvml.NewMockProvider(
		[]domain.MetricSample{
			{DeviceID: "mock-gpu-0", MemoryUsedMB: 2048, MemoryTotalMB: 24576, UtilizationPct: 35, PowerWatts: 180, TemperatureC: 52, ClockMHz: 1800},
			{DeviceID: "mock-gpu-1", MemoryUsedMB: 1024, MemoryTotalMB: 16384, UtilizationPct: 20, PowerWatts: 120, TemperatureC: 48, ClockMHz: 1600},
		},
		[]domain.Device{
			{ID: "mock-gpu-0", Name: "Mock GPU 0", Vendor: "nvidia", ComputeScore: 820, MemoryTotalMB: 24576, MemoryAvailableMB: 22528, ClockMHz: 1800},
			{ID: "mock-gpu-1", Name: "Mock GPU 1", Vendor: "nvidia", ComputeScore: 540, MemoryTotalMB: 16384, MemoryAvailableMB: 15360, ClockMHz: 1600},
		},
	)
}

// executorSet keeps one thermal executor running per registered device.
type executorSet struct {
	cfg      config.ThermalConfig
	store    *telemetry.Store
	overview *thermal.Overview
	svc      *placement.Service

	mu      sync.Mutex
	running map[string]*thermal.Executor
	wg      sync.WaitGroup
}

func newExecutorSet(cfg config.ThermalConfig, store *telemetry.Store, overview *thermal.Overview, svc *placement.Service) *executorSet {
	return &executorSet{
		cfg:      cfg,
		store:    store,
		overview: overview,
		svc:      svc,
		running:  make(map[string]*thermal.Executor),
	}
}

// sync reconciles running executors against the registry snapshot: one
// executor per device, stopped when the device leaves the fleet.
func (s *executorSet) sync(ctx context.Context, snap *registry.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]bool, len(snap.Devices))
	for _, d := range snap.Devices {
		present[d.ID] = true
		if _, ok := s.running[d.ID]; ok {
			continue
		}

		e := thermal.NewExecutor(d.ID, s.cfg, s.store, thermal.Callbacks{
			OnPause: func(deviceID string) {
				s.svc.HandleDevicePaused(ctx, deviceID)
			},
			OnResume: func(deviceID string) {
				s.svc.HandleDeviceResumed(deviceID)
			},
			OnFatal: func(deviceID string, tempC float64) {
				log.Printf("thermal breach on %s at %.1fC, removing from fleet", deviceID, tempC)
				s.svc.HandleDeviceFatal(ctx, deviceID)
			},
		})
		s.running[d.ID] = e
		s.overview.Register(e)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			e.Run(ctx)
		}()
		log.Printf("thermal executor started for %s", d.ID)
	}

	for id, e := range s.running {
		if !present[id] {
			e.Stop()
			s.overview.Unregister(id)
			delete(s.running, id)
			log.Printf("thermal executor stopped for %s", id)
		}
	}
}

func (s *executorSet) stop(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.running[deviceID]; ok {
		e.Stop()
		s.overview.Unregister(deviceID)
		delete(s.running, deviceID)
	}
}

func (s *executorSet) shutdown() {
	s.mu.Lock()
	for id, e := range s.running {
		e.Stop()
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func main() {
	log.Println("Shardfleet scheduler starting...")

	configPath := flag.String("config", "", "Config file path (defaults to ./scheduler.yaml)")
	useMock := flag.Bool("mock", false, "Use the mock telemetry provider")
	summaryInterval := flag.Duration("summary-interval", 30*time.Second, "Fleet summary log interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	provider := newProvider(*useMock)
	defer provider.Shutdown()

	reg := registry.NewRegistry()
	topo := topology.NewService()
	store := telemetry.NewStore(cfg.Telemetry)
	scorer := scoring.NewScorer(scoring.WeightsFromConfig(cfg.Scoring), topo)
	solver := placement.NewSolver(cfg.Solver)
	overview := thermal.NewOverview()
	svc := placement.NewService(reg, scorer, solver, overview, cfg.Thermal)
	aggregator := telemetry.NewAggregator(reg, topo, store, scorer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executors := newExecutorSet(cfg.Thermal, store, overview, svc)

	pump := telemetry.NewPump(provider, reg, store, cfg.Thermal.MonitorInterval, cfg.Telemetry)
	pump.OnExpired = func(deviceID string) {
		// An expired device strands its shards: stop thermal control and
		// re-place its workloads on the remaining fleet
		executors.stop(deviceID)
		svc.HandleDeviceExpired(ctx, deviceID)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pump.Run(ctx)
	}()

	// Executor reconciliation follows the pump so newly discovered devices
	// come under thermal control within one interval
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Thermal.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				executors.sync(ctx, reg.Snapshot())
			}
		}
	}()

	if *summaryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(*summaryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					log.Print("\n" + aggregator.Summary())
				}
			}
		}()
	}

	log.Printf("Scheduler running: %d devices at startup", reg.DeviceCount())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	pump.Stop()
	executors.shutdown()
	wg.Wait()
	log.Println("Shutdown complete")
}
