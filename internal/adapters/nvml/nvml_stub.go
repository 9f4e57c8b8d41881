//go:build nonvml
// +build nonvml

package nvml

import (
	"fmt"

	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
)

// NVMLProvider stub - used when building without NVIDIA libraries
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	return fmt.Errorf("NVML not available (built with nonvml tag)")
}

func (p *NVMLProvider) Shutdown() error {
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	return 0, fmt.Errorf("NVML not available")
}

func (p *NVMLProvider) Sample() ([]domain.MetricSample, error) {
	return nil, fmt.Errorf("NVML not available")
}

func (p *NVMLProvider) GetDevices() ([]domain.Device, error) {
	return nil, fmt.Errorf("NVML not available")
}

// Compile-time interface check
var _ domain.TelemetryProvider = (*NVMLProvider)(nil)
