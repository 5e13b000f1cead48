package config

import (
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/archive"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/policy"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/steprunner"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/stores"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/transports/ssh"
)

// SessionOptions returns the connection settings. Logger, metrics, tracer,
// guard and SSH hooks are left for the caller.
func (c *Config) SessionOptions() clarity.Options {
	return clarity.Options{
		RootURI:         c.LIMS.RootURI,
		Username:        c.LIMS.Username,
		Password:        c.LIMS.Password,
		DryRun:          c.LIMS.DryRun,
		Insecure:        c.LIMS.Insecure,
		Timeout:         c.LIMS.Timeout,
		LogRequests:     c.LIMS.LogRequests,
		PollInterval:    c.Runner.PollInterval,
		EPPTimeout:      c.Runner.EPPTimeout,
		RateLimit:       c.LIMS.RateLimit,
		RateBurst:       c.LIMS.RateBurst,
		BreakerFailures: c.LIMS.BreakerFailures,
		BreakerTimeout:  c.LIMS.BreakerTimeout,
	}
}

// RunnerOptions returns the step runner settings without a recorder.
func (c *Config) RunnerOptions() steprunner.Options {
	opts := steprunner.DefaultOptions()
	opts.UseQueuedInputs = c.Runner.UseQueuedInputs
	opts.NumberOfInputs = c.Runner.NumberOfInputs
	opts.StartTimeout = c.Runner.StartTimeout
	if c.Runner.StartPollInterval > 0 {
		opts.StartPollInterval = c.Runner.StartPollInterval
	}
	return opts
}

// StoreConfig returns the run history database settings. ok is false when
// history is disabled.
func (c *Config) StoreConfig() (cfg stores.Config, ok bool) {
	if c.Runner.HistoryDB == "" {
		return stores.Config{}, false
	}
	return stores.Config{Path: c.Runner.HistoryDB}, true
}

// GuardOptions returns the policy settings. Logger and events are left for
// the caller.
func (c *Config) GuardOptions() policy.GuardOptions {
	return policy.GuardOptions{
		Paths:      c.Policy.Paths,
		NoBuiltins: c.Policy.NoBuiltins,
	}
}

// SSHClientConfig returns the connection settings for host. The configured
// host wins when set.
func (c *Config) SSHClientConfig(host string) *ssh.Config {
	if c.SSH.Host != "" {
		host = c.SSH.Host
	}
	cfg := ssh.DefaultConfig(host, c.SSH.User)
	if c.SSH.Port > 0 {
		cfg.Port = c.SSH.Port
	}
	if c.SSH.Timeout > 0 {
		cfg.ConnectionTimeout = c.SSH.Timeout
	}
	if c.SSH.TunnelPort > 0 {
		cfg.TunnelPort = c.SSH.TunnelPort
	}
	switch {
	case c.SSH.KeyPath != "":
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = c.SSH.KeyPath
		cfg.PrivateKeyPassphrase = c.SSH.Passphrase
	case c.SSH.Password != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = c.SSH.Password
	}
	if c.SSH.KnownHosts != "" {
		cfg.KnownHostsPath = c.SSH.KnownHosts
	}
	return cfg
}

// ArchiveEnabled reports whether a bucket is configured.
func (c *Config) ArchiveEnabled() bool { return c.Archive.Bucket != "" }

// ArchiveConfig returns the object storage settings.
func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		Bucket:       c.Archive.Bucket,
		Prefix:       c.Archive.Prefix,
		Region:       c.Archive.Region,
		Endpoint:     c.Archive.Endpoint,
		UsePathStyle: c.Archive.PathStyle,
	}
}
