package dispatcher

import (
	"fmt"
	"runtime"
	"time"

	"gridworker/internal/model"
)

const (
	defaultExecutableName    = "gridhandler"
	defaultEnvName           = "DEV"
	defaultPollInterval      = 5 * time.Second
	defaultHousekeepInterval = 5 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultDrainTimeout      = 30 * time.Second
	defaultDrainPollInterval = 100 * time.Millisecond
	defaultDrainLogInterval  = 5 * time.Second
)

// Config controls a worker host.
type Config struct {
	Host    model.HostIdentity
	EnvName string

	// Budget is the number of worker processes allowed to run at once.
	Budget int

	ExecutableName string
	SearchPaths    []string

	PollInterval      time.Duration
	HousekeepInterval time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	DrainPollInterval time.Duration
	DrainLogInterval  time.Duration
	ResponseRetention time.Duration
}

// DefaultConfig returns a baseline configuration for host.
func DefaultConfig(host model.HostIdentity) Config {
	return Config{
		Host:              host,
		EnvName:           defaultEnvName,
		Budget:            runtime.NumCPU(),
		ExecutableName:    defaultExecutableName,
		PollInterval:      defaultPollInterval,
		HousekeepInterval: defaultHousekeepInterval,
		HeartbeatInterval: defaultHeartbeatInterval,
		DrainTimeout:      defaultDrainTimeout,
		DrainPollInterval: defaultDrainPollInterval,
		DrainLogInterval:  defaultDrainLogInterval,
		ResponseRetention: model.DefaultRetention,
	}
}

func (c Config) withDefaults() Config {
	c.Host.Instance = model.NormalizeInstance(c.Host.Instance)
	if c.EnvName == "" {
		c.EnvName = defaultEnvName
	}
	if c.Budget == 0 {
		c.Budget = runtime.NumCPU()
	}
	if c.ExecutableName == "" {
		c.ExecutableName = defaultExecutableName
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HousekeepInterval == 0 {
		c.HousekeepInterval = defaultHousekeepInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.DrainPollInterval == 0 {
		c.DrainPollInterval = defaultDrainPollInterval
	}
	if c.DrainLogInterval == 0 {
		c.DrainLogInterval = defaultDrainLogInterval
	}
	if c.ResponseRetention == 0 {
		c.ResponseRetention = model.DefaultRetention
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Host.Computer == "" {
		return fmt.Errorf("invalid dispatcher config: Host.Computer is empty")
	}
	if c.Budget <= 0 {
		return fmt.Errorf("invalid dispatcher config: Budget must be > 0")
	}
	if c.ExecutableName == "" {
		return fmt.Errorf("invalid dispatcher config: ExecutableName is empty")
	}
	if c.PollInterval <= 0 || c.DrainPollInterval <= 0 || c.DrainLogInterval <= 0 {
		return fmt.Errorf("invalid dispatcher config: poll intervals must be > 0")
	}
	if c.HousekeepInterval <= 0 || c.HousekeepInterval >= model.AvailabilityLifetime {
		return fmt.Errorf("invalid dispatcher config: HousekeepInterval must be in (0, %s)", model.AvailabilityLifetime)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid dispatcher config: HeartbeatInterval must be > 0")
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("invalid dispatcher config: DrainTimeout must be >= 0")
	}
	if c.ResponseRetention <= 0 {
		return fmt.Errorf("invalid dispatcher config: ResponseRetention must be > 0")
	}
	return nil
}
