package domain

// TelemetryProvider abstracts the hardware telemetry source (NVML or mock)
type TelemetryProvider interface {
	// Init initializes the provider
	Init() error
	// Shutdown cleanly shuts down the provider
	Shutdown() error
	// GetDeviceCount returns the number of visible devices
	GetDeviceCount() (int, error)
	// Sample returns one current MetricSample per device
	Sample() ([]MetricSample, error)
	// GetDevices returns static device facts for registration
	GetDevices() ([]Device, error)
}
