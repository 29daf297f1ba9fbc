package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autominion/minion/internal/config"
	"github.com/autominion/minion/internal/observability"
	"github.com/autominion/minion/internal/server"
	"github.com/autominion/minion/internal/server/handlers"
	"github.com/autominion/minion/pkg/agenttoken"
	"github.com/autominion/minion/pkg/dispatch"
	"github.com/autominion/minion/pkg/github"
	"github.com/autominion/minion/pkg/gitpush"
	"github.com/autominion/minion/pkg/jobregistry"
	"github.com/autominion/minion/pkg/objectstore"
	"github.com/autominion/minion/pkg/objectstore/s3"
	"github.com/autominion/minion/pkg/tasks/postgres"
	"github.com/autominion/minion/pkg/vm"
	"github.com/autominion/minion/pkg/vm/ec2"
	"github.com/autominion/minion/pkg/vm/local"
)

var daemonLocal bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Poll the task queue and run jobs",
	Long: `Run the dispatcher loop: claim the oldest queued task, start its job in the
background, and poll again. When the queue is empty the loop sleeps for
poll_interval.

By default agents run on one-time EC2 spot instances. With --local they run
in a shell on this host. With dispatch_mode = "none" jobs stop after the task
branch is pushed and the agent credential is minted.

Examples:
  minion-dispatcher daemon
  minion-dispatcher daemon --local
  MINION_DISPATCH_MODE=none minion-dispatcher daemon`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().BoolVar(&daemonLocal, "local", false, "Run agents on this host instead of EC2")
}

// daemon holds the wired components of a running dispatcher.
type daemon struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *postgres.Store
	logStore   *s3.Store
	orch       *dispatch.Orchestrator
	dispatcher *dispatch.Dispatcher
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	overrides := configOverrides()
	if cmd.Flags().Changed("local") {
		overrides["local"] = daemonLocal
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.SetCLILogger(logger)

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = d.store.Close() }()

	if cfg.Health.Enabled {
		health := handlers.InitHealthManager(versionInfo.Version)
		health.RegisterChecker("database", d.store)
		if d.logStore != nil {
			health.RegisterChecker("task_logs", d.logStore)
		}
		srv := server.New(cfg.Health.Host, cfg.Health.Port)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Health server stopped", zap.Error(err))
			}
		}()
		health.SetReady(true)
	}

	logger.Info("Dispatcher started",
		zap.String("dispatch_mode", cfg.DispatchMode),
		zap.Bool("local", cfg.Local),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("journal_dir", d.orch.Journal.RootDir()),
	)
	warnAbandonedJobs(d.orch.Journal, logger)

	err = d.dispatcher.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Dispatcher stopped; in-flight jobs are abandoned",
			zap.Int("active_jobs", d.dispatcher.Active()))
		return nil
	}
	return exitError(foundry.ExitExternalServiceUnavailable, "Dispatcher stopped", err)
}

// warnAbandonedJobs logs stale jobs that stopped while a machine or usage
// window could still be open.
func warnAbandonedJobs(journal *jobregistry.Store, logger *zap.Logger) int {
	stale, err := journal.List(jobregistry.Filter{States: []jobregistry.JobState{jobregistry.JobStateStale}})
	if err != nil {
		logger.Warn("Failed to read job journal", zap.Error(err))
		return 0
	}
	n := 0
	for _, rec := range stale {
		if !rec.MayHoldResources() {
			continue
		}
		n++
		fields := []zap.Field{
			zap.String("task_id", rec.TaskID.String()),
			zap.String("repository", rec.Repository),
			zap.String("phase", string(rec.Phase)),
		}
		if m := rec.Machine; m != nil {
			fields = append(fields,
				zap.String("machine_kind", string(m.Kind)),
				zap.String("instance_id", m.InstanceID),
				zap.String("key_name", m.KeyName),
				zap.String("region", m.Region))
		}
		if rec.UsageWindowID != "" {
			fields = append(fields, zap.String("usage_window_id", rec.UsageWindowID))
		}
		logger.Warn("Abandoned job may hold resources", fields...)
	}
	return n
}

// newDaemon connects every dependency named by cfg.
func newDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	store, err := postgres.Open(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to task database", err)
	}
	d.store = store

	fail := func(code int, message string, err error) (*daemon, error) {
		_ = store.Close()
		return nil, exitError(code, message, err)
	}

	appKey, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return fail(foundry.ExitFileReadError, "Failed to read GitHub App private key", err)
	}
	gh, err := github.NewClient(github.Config{
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKey:     appKey,
		APIURL:         cfg.GitHub.APIURL,
		GraphQLURL:     cfg.GitHub.GraphQLURL,
		UserAgent:      cfg.GitHub.UserAgent,
		RateLimit:      cfg.GitHub.RateLimit,
	}, logger.Named("github"))
	if err != nil {
		return fail(foundry.ExitInvalidArgument, "Invalid GitHub App configuration", err)
	}

	jwtKey, err := os.ReadFile(cfg.Agent.JWTPrivateKeyPath)
	if err != nil {
		return fail(foundry.ExitFileReadError, "Failed to read agent signing key", err)
	}
	signer, err := agenttoken.NewSignerFromPEM(jwtKey)
	if err != nil {
		return fail(foundry.ExitInvalidArgument, "Invalid agent signing key", err)
	}

	orch := &dispatch.Orchestrator{
		Platform: dispatch.GitHubPlatform{Client: gh},
		Pusher:   gitpush.New(logger.Named("git")),
		Tokens:   signer,
		Store:    store,
		Journal:  jobregistry.NewStore(journalDir(cfg)),
		Settings: dispatch.Settings{
			DispatchEnabled: cfg.DispatchEnabled(),
			ServiceName:     cfg.ServiceName,
			WebBaseURL:      cfg.WebBaseURL,
			GitHost:         cfg.GitHub.GitHost,
			Registry: dispatch.Registry{
				Host:     cfg.Agent.RegistryHost,
				Username: cfg.Agent.RegistryUsername,
				Password: cfg.Agent.RegistryPassword,
				Image:    cfg.Agent.Image,
			},
			AgentTokenTTL: cfg.Agent.TokenTTL,
		},
		Logger: logger.Named("job"),
	}

	if cfg.DispatchEnabled() {
		logStore, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Profile:         cfg.S3.Profile,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(foundry.ExitExternalServiceUnavailable, "Failed to connect to log storage", err)
		}
		d.logStore = logStore
		orch.Logs = objectstore.NewTaskLogs(logStore, cfg.S3.Prefix)

		provider, err := newProvider(ctx, cfg, logger.Named("vm"))
		if err != nil {
			return fail(foundry.ExitExternalServiceUnavailable, "Failed to set up machine provider", err)
		}
		orch.Provider = provider
	}

	d.orch = orch
	d.dispatcher = dispatch.NewDispatcher(store, orch, cfg.PollInterval, logger.Named("dispatcher"))
	return d, nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (vm.Provider, error) {
	if cfg.Local {
		return local.NewProvider(logger), nil
	}
	return ec2.New(ctx, ec2Config(cfg), logger)
}

func ec2Config(cfg *config.Config) ec2.Config {
	c := ec2.DefaultConfig()
	c.Region = cfg.AWS.Region
	c.ImageID = cfg.AWS.ImageID
	c.AccessKeyID = cfg.AWS.AccessKeyID
	c.SecretAccessKey = cfg.AWS.SecretAccessKey
	c.Profile = cfg.AWS.Profile
	c.Endpoint = cfg.AWS.Endpoint
	if cfg.AWS.InstanceType != "" {
		c.InstanceType = cfg.AWS.InstanceType
	}
	if cfg.AWS.SecurityGroup != "" {
		c.SecurityGroup = cfg.AWS.SecurityGroup
	}
	if cfg.AWS.VolumeSizeGB > 0 {
		c.VolumeSizeGB = cfg.AWS.VolumeSizeGB
	}
	if cfg.AWS.CPUCredits != "" {
		c.CPUCredits = cfg.AWS.CPUCredits
	}
	if cfg.AWS.SSHUser != "" {
		c.SSHUser = cfg.AWS.SSHUser
	}
	if cfg.AWS.SSHPort > 0 {
		c.SSHPort = cfg.AWS.SSHPort
	}
	if cfg.AWS.PollInterval > 0 {
		c.PollInterval = cfg.AWS.PollInterval
	}
	if cfg.AWS.DialTimeout > 0 {
		c.DialTimeout = cfg.AWS.DialTimeout
	}
	if cfg.AWS.SysboxURL != "" {
		c.Sysbox = vm.SysboxArtifact{URL: cfg.AWS.SysboxURL, SHA256: cfg.AWS.SysboxSHA256}
	}
	return c
}

// journalDir is journal_dir, or <app data dir>/jobs.
func journalDir(cfg *config.Config) string {
	if dir := strings.TrimSpace(cfg.JournalDir); dir != "" {
		return dir
	}
	return filepath.Join(gfconfig.GetAppDataDir(appIdentity.ConfigName), "jobs")
}

func describeMode(cfg *config.Config) string {
	switch {
	case !cfg.DispatchEnabled():
		return "none (no agents are started)"
	case cfg.Local:
		return "local shell"
	default:
		return fmt.Sprintf("ec2 spot (%s, %s)", cfg.AWS.Region, valueOrDash(cfg.AWS.InstanceType))
	}
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
