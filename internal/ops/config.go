package ops

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridworker/internal/chaos"
	"gridworker/internal/dispatcher"
	"gridworker/internal/model"
	"gridworker/pkg/conn"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

const (
	defaultStorePollInterval = time.Second
	defaultStatusSocket      = "/tmp/gridworker/gridworker.sock"
)

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	Host       HostConfig       `yaml:"host"`
	Env        string           `yaml:"env"`
	Budget     int              `yaml:"budget"`
	Executable ExecutableConfig `yaml:"executable"`
	Timing     TimingConfig     `yaml:"timing"`
	Store      StoreConfig      `yaml:"store"`
	Chaos      ChaosConfig      `yaml:"chaos"`
	Ops        OpsConfig        `yaml:"ops"`
}

// HostConfig names the worker host. An empty computer resolves to the local host name.
type HostConfig struct {
	Computer string `yaml:"computer"`
	Instance string `yaml:"instance"`
}

// ExecutableConfig locates the worker executable.
type ExecutableConfig struct {
	Name        string   `yaml:"name"`
	SearchPaths []string `yaml:"searchPaths"`
}

// TimingConfig overrides the dispatcher intervals.
type TimingConfig struct {
	Poll              time.Duration `yaml:"poll"`
	Housekeep         time.Duration `yaml:"housekeep"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	DrainTimeout      time.Duration `yaml:"drainTimeout"`
	ResponseRetention time.Duration `yaml:"responseRetention"`
}

// StoreConfig selects and configures the shared store.
type StoreConfig struct {
	Driver       string              `yaml:"driver"`
	PollInterval time.Duration       `yaml:"pollInterval"`
	Badger       conn.BadgerOption   `yaml:"badger"`
	Postgres     conn.PostgresOption `yaml:"postgres"`
}

// ChaosConfig enables fault drills on worker launches.
type ChaosConfig struct {
	Enabled          *bool         `yaml:"enabled"`
	Seed             int64         `yaml:"seed"`
	StartFailureRate float64       `yaml:"startFailureRate"`
	AbnormalExitRate float64       `yaml:"abnormalExitRate"`
	AbnormalExitCode int           `yaml:"abnormalExitCode"`
	MaxDelay         time.Duration `yaml:"maxDelay"`
}

// OpsConfig describes the operational surfaces of the host.
type OpsConfig struct {
	MetricsAddr   string `yaml:"metricsAddr"`
	StatusSocket  string `yaml:"statusSocket"`
	PyroscopeAddr string `yaml:"pyroscopeAddr"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Dispatcher dispatcher.Config
	Store      StoreConfig
	Chaos      *chaos.Config
	Ops        OpsConfig
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (Loaded, error) {
	if path == "" {
		return Resolve(FileConfig{})
	}
	f, err := os.Open(path)
	if err != nil {
		return Loaded{}, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML config and resolves it.
func Parse(r io.Reader) (Loaded, error) {
	cfg, err := Decode(r)
	if err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Decode reads a YAML config, rejecting unknown fields. An empty document
// yields the zero FileConfig.
func Decode(r io.Reader) (FileConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return FileConfig{}, err
	}
	var cfg FileConfig
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Resolve fills the defaults of cfg and validates the result.
func Resolve(cfg FileConfig) (Loaded, error) {
	host, err := resolveHost(cfg.Host)
	if err != nil {
		return Loaded{}, err
	}
	dcfg := resolveDispatcher(cfg, host)
	if err := dcfg.Validate(); err != nil {
		return Loaded{}, err
	}
	store, err := resolveStore(cfg.Store)
	if err != nil {
		return Loaded{}, err
	}
	chaosCfg, err := resolveChaos(cfg.Chaos)
	if err != nil {
		return Loaded{}, err
	}
	ops := cfg.Ops
	if ops.StatusSocket == "" {
		ops.StatusSocket = defaultStatusSocket
	}
	return Loaded{
		Dispatcher: dcfg,
		Store:      store,
		Chaos:      chaosCfg,
		Ops:        ops,
	}, nil
}

func resolveHost(cfg HostConfig) (model.HostIdentity, error) {
	if cfg.Computer != "" {
		return model.HostIdentity{Computer: cfg.Computer, Instance: model.NormalizeInstance(cfg.Instance)}, nil
	}
	return model.LocalHost(cfg.Instance)
}

func resolveDispatcher(cfg FileConfig, host model.HostIdentity) dispatcher.Config {
	d := dispatcher.DefaultConfig(host)
	if cfg.Env != "" {
		d.EnvName = cfg.Env
	}
	if cfg.Budget != 0 {
		d.Budget = cfg.Budget
	}
	if cfg.Executable.Name != "" {
		d.ExecutableName = cfg.Executable.Name
	}
	d.SearchPaths = cfg.Executable.SearchPaths
	if len(d.SearchPaths) == 0 {
		d.SearchPaths = defaultSearchPaths()
	}
	if cfg.Timing.Poll != 0 {
		d.PollInterval = cfg.Timing.Poll
	}
	if cfg.Timing.Housekeep != 0 {
		d.HousekeepInterval = cfg.Timing.Housekeep
	}
	if cfg.Timing.Heartbeat != 0 {
		d.HeartbeatInterval = cfg.Timing.Heartbeat
	}
	if cfg.Timing.DrainTimeout != 0 {
		d.DrainTimeout = cfg.Timing.DrainTimeout
	}
	if cfg.Timing.ResponseRetention != 0 {
		d.ResponseRetention = cfg.Timing.ResponseRetention
	}
	return d
}

// defaultSearchPaths looks next to the running binary, then in the working directory.
func defaultSearchPaths() []string {
	var paths []string
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, wd)
	}
	return paths
}

func resolveStore(cfg StoreConfig) (StoreConfig, error) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = DriverMemory
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultStorePollInterval
	}
	if cfg.PollInterval < 0 {
		return StoreConfig{}, fmt.Errorf("store pollInterval must be > 0")
	}
	switch cfg.Driver {
	case DriverMemory, DriverPostgres:
	case DriverBadger:
		if cfg.Badger.Dir == "" && !cfg.Badger.InMemory {
			return StoreConfig{}, fmt.Errorf("store badger.dir is empty")
		}
	default:
		return StoreConfig{}, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	return cfg, nil
}

func resolveChaos(cfg ChaosConfig) (*chaos.Config, error) {
	c := chaos.Config{
		Seed:             cfg.Seed,
		StartFailureRate: cfg.StartFailureRate,
		AbnormalExitRate: cfg.AbnormalExitRate,
		AbnormalExitCode: cfg.AbnormalExitCode,
		MaxDelay:         cfg.MaxDelay,
	}
	enabled := c.Enabled()
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	if !enabled {
		return nil, nil
	}
	if c.AbnormalExitCode == 0 {
		c.AbnormalExitCode = -2
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chaos config: %w", err)
	}
	return &c, nil
}
