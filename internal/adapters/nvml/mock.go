package nvml

import "github.com/shardfleet/shardfleet-scheduler/internal/domain"

// MockProvider provides fake device data for testing and for development
// hosts without accelerator hardware
type MockProvider struct {
	Samples []domain.MetricSample
	Devices []domain.Device
	InitErr error
}

func NewMockProvider(samples []domain.MetricSample, devices []domain.Device) *MockProvider {
	return &MockProvider{Samples: samples, Devices: devices}
}

func (p *MockProvider) Init() error {
	return p.InitErr
}

func (p *MockProvider) Shutdown() error {
	return nil
}

func (p *MockProvider) GetDeviceCount() (int, error) {
	return len(p.Devices), nil
}

func (p *MockProvider) Sample() ([]domain.MetricSample, error) {
	return p.Samples, nil
}

func (p *MockProvider) GetDevices() ([]domain.Device, error) {
	return p.Devices, nil
}

// Compile-time interface check
var _ domain.TelemetryProvider = (*MockProvider)(nil)
