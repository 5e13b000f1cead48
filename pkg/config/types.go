package config

import (
	"time"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
)

// Config is the complete client configuration.
type Config struct {
	LIMS      LIMSConfig       `yaml:"lims"`
	Runner    RunnerConfig     `yaml:"runner"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	SSH       SSHConfig        `yaml:"ssh"`
	Archive   ArchiveConfig    `yaml:"archive"`
}

// LIMSConfig describes the server connection.
type LIMSConfig struct {
	// RootURI is the API root, e.g. https://lims.example.com/api/v2.
	RootURI  string `yaml:"root_uri" validate:"required,url"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password"`

	// DryRun logs writes instead of sending them.
	DryRun bool `yaml:"dry_run"`

	// Insecure skips TLS certificate verification.
	Insecure    bool          `yaml:"insecure"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	LogRequests bool          `yaml:"log_requests"`

	// RateLimit is requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`

	// BreakerFailures consecutive transport failures open the circuit for
	// BreakerTimeout. Zero disables the breaker.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" validate:"gte=0"`
}

// RunnerConfig tunes the step runner.
type RunnerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gte=0"`
	EPPTimeout        time.Duration `yaml:"epp_timeout" validate:"gte=0"`
	StartTimeout      time.Duration `yaml:"start_timeout" validate:"gte=0"`
	StartPollInterval time.Duration `yaml:"start_poll_interval" validate:"gte=0"`

	UseQueuedInputs bool `yaml:"use_queued_inputs"`
	NumberOfInputs  int  `yaml:"number_of_inputs" validate:"gte=0"`

	// ScriptTimeout bounds each Starlark hook call.
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gte=0"`

	// HistoryDB is the run history database. Empty disables history.
	HistoryDB string `yaml:"history_db"`
}

// PolicyConfig selects the request policies.
type PolicyConfig struct {
	Paths      []string `yaml:"paths" validate:"dive,required"`
	Watch      bool     `yaml:"watch"`
	NoBuiltins bool     `yaml:"no_builtins"`
}

// SSHConfig reaches the LIMS file store and opens API tunnels.
type SSHConfig struct {
	// Host is the file store host. Empty uses the host of sftp:// locations.
	Host       string        `yaml:"host" validate:"omitempty,hostname|ip"`
	Port       int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User       string        `yaml:"user"`
	Password   string        `yaml:"password"`
	KeyPath    string        `yaml:"key_path"`
	Passphrase string        `yaml:"passphrase"`
	KnownHosts string        `yaml:"known_hosts"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`

	// TunnelPort is the remote API port a host:ssh URI is forwarded to.
	TunnelPort int `yaml:"tunnel_port" validate:"omitempty,min=1,max=65535"`
}

// ArchiveConfig selects the object storage bucket for archived files.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region" validate:"required_with=Bucket"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	PathStyle bool   `yaml:"path_style"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LIMS: LIMSConfig{
			Timeout:         2 * time.Minute,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Runner: RunnerConfig{
			PollInterval:      time.Second,
			StartPollInterval: time.Second,
			UseQueuedInputs:   true,
			NumberOfInputs:    4,
			ScriptTimeout:     5 * time.Minute,
		},
		Telemetry: *telemetry.DefaultConfig(),
		SSH: SSHConfig{
			Port:       22,
			User:       "glsai",
			Timeout:    30 * time.Second,
			TunnelPort: 9080,
		},
	}
}
