package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = "CLARITY_CONFIG"

// Load reads the YAML file at path, or at $CLARITY_CONFIG when path is
// empty, over the defaults and then applies environment overrides. No file
// at all is not an error. The result is not validated so that command-line
// flags can still fill it in.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from CLARITY_* variables and LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("CLARITY_ROOT_URI", &c.LIMS.RootURI)
	str("CLARITY_USERNAME", &c.LIMS.Username)
	str("CLARITY_PASSWORD", &c.LIMS.Password)
	boolean("CLARITY_DRY_RUN", &c.LIMS.DryRun)
	boolean("CLARITY_INSECURE", &c.LIMS.Insecure)
	boolean("CLARITY_LOG_REQUESTS", &c.LIMS.LogRequests)
	duration("CLARITY_TIMEOUT", &c.LIMS.Timeout)
	float("CLARITY_RATE_LIMIT", &c.LIMS.RateLimit)

	duration("CLARITY_POLL_INTERVAL", &c.Runner.PollInterval)
	duration("CLARITY_EPP_TIMEOUT", &c.Runner.EPPTimeout)
	duration("CLARITY_START_TIMEOUT", &c.Runner.StartTimeout)
	str("CLARITY_HISTORY_DB", &c.Runner.HistoryDB)

	if v, ok := os.LookupEnv("CLARITY_POLICY_PATHS"); ok {
		c.Policy.Paths = splitList(v)
	}

	str("CLARITY_SSH_HOST", &c.SSH.Host)
	str("CLARITY_SSH_USER", &c.SSH.User)
	str("CLARITY_SSH_KEY", &c.SSH.KeyPath)

	str("CLARITY_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("CLARITY_ARCHIVE_REGION", &c.Archive.Region)
	str("CLARITY_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)

	str("LOG_LEVEL", &c.Telemetry.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the struct tags and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("config: telemetry: %w", err)
	}
	return nil
}

// Environment guesses dev, test or production from the LIMS host name.
func (c *Config) Environment() string {
	u, err := url.Parse(c.LIMS.RootURI)
	if err != nil || u.Hostname() == "" {
		return clarity.EnvironmentProduction
	}
	return clarity.GuessEnvironment(u.Hostname())
}
