//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
)

// NVMLProvider reads device facts and telemetry from NVIDIA hardware.
// It is one concrete backend collaborator; the scheduler core only sees
// domain.TelemetryProvider.
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

func (p *NVMLProvider) Sample() ([]domain.MetricSample, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	samples := make([]domain.MetricSample, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue // Skip failed device
		}

		uuid, _ := device.GetUUID()
		memInfo, _ := device.GetMemoryInfo()
		util, _ := device.GetUtilizationRates()
		temp, _ := device.GetTemperature(nvml.TEMPERATURE_GPU)
		power, _ := device.GetPowerUsage() // milliwatts
		clock, _ := device.GetClockInfo(nvml.CLOCK_SM)

		samples = append(samples, domain.MetricSample{
			Timestamp:      now,
			DeviceID:       uuid,
			MemoryUsedMB:   memInfo.Used / (1024 * 1024),
			MemoryTotalMB:  memInfo.Total / (1024 * 1024),
			UtilizationPct: util.Gpu,
			PowerWatts:     float64(power) / 1000.0,
			TemperatureC:   float64(temp),
			ClockMHz:       clock,
		})
	}
	return samples, nil
}

func (p *NVMLProvider) GetDevices() ([]domain.Device, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	devices := make([]domain.Device, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()
		clock, _ := device.GetMaxClockInfo(nvml.CLOCK_SM)
		cores, _ := device.GetNumGpuCores()

		devices = append(devices, domain.Device{
			ID:     uuid,
			Name:   name,
			Vendor: "nvidia",
			// Reference throughput proxy: core count scaled by max clock
			ComputeScore:      float64(cores) * float64(clock) / 1000.0,
			MemoryTotalMB:     memInfo.Total / (1024 * 1024),
			MemoryAvailableMB: memInfo.Free / (1024 * 1024),
			ClockMHz:          clock,
			LastSeen:          now,
		})
	}
	return devices, nil
}

// Compile-time interface check
var _ domain.TelemetryProvider = (*NVMLProvider)(nil)
