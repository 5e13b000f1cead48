package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/archive"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/config"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/policy"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/stores"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/transports/ssh"
)

// app is everything one command invocation talks to. The history store and
// archive sink are opened on first use.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	session *clarity.Session
	guard   *policy.Guard
	files   *ssh.FileStore
	tunnels *ssh.Tunneler

	history *stores.SQLiteStore
	sink    *archive.Sink
}

// loadConfig reads the file and environment, applies the global flags the
// user set, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("root-uri") {
		cfg.LIMS.RootURI = rootURI
	}
	if flags.Changed("username") {
		cfg.LIMS.Username = username
	}
	if flags.Changed("password") {
		cfg.LIMS.Password = password
	}
	if flags.Changed("dry-run") {
		cfg.LIMS.DryRun = dryRun
	}
	if flags.Changed("insecure") {
		cfg.LIMS.Insecure = insecure
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	cfg.Telemetry.Environment = cfg.Environment()
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return nil, err
	}
	// Runs, screens and batch operations find telemetry through the context.
	ctx = tel.WithContext(ctx)
	cmd.SetContext(ctx)

	a := &app{
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("cli").Zerolog(),
		files:   ssh.NewFileStore(cfg.SSHClientConfig),
		tunnels: ssh.NewTunneler(cfg.SSHClientConfig),
	}

	guardOpts := cfg.GuardOptions()
	guardOpts.Logger = a.logger
	guardOpts.Events = tel.Events
	a.guard, err = policy.NewGuard(ctx, guardOpts)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		if err := a.guard.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Policy hot reload disabled")
		}
	}

	opts := cfg.SessionOptions()
	opts.Guard = a.guard
	opts.Tunneler = a.tunnels
	opts.ContentOpener = a.files
	opts.Logger = tel.Logger.NewComponentLogger("session").Zerolog()
	opts.Metrics = tel.Metrics
	opts.Tracer = tel.Tracer
	a.session, err = clarity.NewSession(opts)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.logger.Debug().
		Str("root", a.session.RootURI()).
		Str("environment", a.session.Environment()).
		Bool("dry_run", a.session.DryRun()).
		Msg("Session ready")
	return a, nil
}

// historyStore opens the run history database.
func (a *app) historyStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.history != nil {
		return a.history, nil
	}
	scfg, ok := a.cfg.StoreConfig()
	if !ok {
		return nil, clarity.NewUsageError("run history is disabled: set runner.history_db or CLARITY_HISTORY_DB")
	}
	store, err := stores.NewSQLiteStore(scfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.history = store
	return store, nil
}

// archiveSink connects to the configured bucket.
func (a *app) archiveSink(ctx context.Context) (*archive.Sink, error) {
	if a.sink != nil {
		return a.sink, nil
	}
	if !a.cfg.ArchiveEnabled() {
		return nil, clarity.NewUsageError("no archive bucket configured: set archive.bucket or CLARITY_ARCHIVE_BUCKET")
	}
	sink, err := archive.New(ctx, a.cfg.ArchiveConfig(),
		archive.WithLogger(a.logger),
		archive.WithEvents(a.tel.Events))
	if err != nil {
		return nil, err
	}
	a.sink = sink
	return sink, nil
}

// resolve turns a path below the API root into an absolute URI.
func (a *app) resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return a.session.RootURI() + "/" + strings.TrimPrefix(ref, "/")
}

// artifact accepts a LIMS ID or a URI.
func (a *app) artifact(ref string) *clarity.Artifact {
	if strings.Contains(ref, "/") {
		return a.session.ArtifactFromURI(a.resolve(ref))
	}
	return a.session.Artifact(ref)
}

func (a *app) close() error {
	var errs []error
	if a.guard != nil {
		errs = append(errs, a.guard.Close())
	}
	errs = append(errs, a.tunnels.Close(), a.files.Close())
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// withApp builds the app for a command and closes it afterwards.
func withApp(run func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.close(); cerr != nil {
				log.Debug().Err(cerr).Msg("Cleanup failed")
			}
		}()
		return run(cmd.Context(), a, cmd, args)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
