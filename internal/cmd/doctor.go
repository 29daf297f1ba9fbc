package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autominion/minion/internal/config"
	"github.com/autominion/minion/internal/observability"
	"github.com/autominion/minion/pkg/agenttoken"
	"github.com/autominion/minion/pkg/github"
	"github.com/autominion/minion/pkg/tasks/postgres"
)

const doctorCheckTimeout = 10 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check that the daemon can start with the current configuration: keys are
readable, git is installed, and the task database answers. Cloud dispatch
also checks that AWS credentials resolve.

Examples:
  minion-dispatcher doctor
  minion-dispatcher doctor --config /etc/minion/config.toml`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic step. A nil error passes; detail is logged
// either way.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (detail string, err error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger
	log.Info("=== " + appIdentity.BinaryName + " doctor ===")

	cfg, err := config.Load(ctx, configOverrides())
	if err != nil {
		log.Error("Checking configuration... ❌", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	checks := doctorChecks(cfg)
	failed := 0
	for i, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
		detail, err := c.run(cctx)
		cancel()

		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" ❌ "+detail, zap.Error(err))
			continue
		}
		log.Info(prefix + " ✅ " + detail)
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor found problems", fmt.Errorf("failed_checks=%d", failed))
	}
	log.Info("✅ All checks passed.")
	return nil
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{"Go runtime", func(context.Context) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"fulmen libraries", checkFulmen},
		{"configuration", func(context.Context) (string, error) {
			if err := cfg.Validate(); err != nil {
				return "invalid", err
			}
			return "dispatch mode " + describeMode(cfg), nil
		}},
		{"git", func(context.Context) (string, error) {
			path, err := exec.LookPath("git")
			if err != nil {
				return "git not on PATH", err
			}
			return path, nil
		}},
		{"GitHub App key", func(context.Context) (string, error) {
			key, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
			if err != nil {
				return cfg.GitHub.PrivateKeyPath, err
			}
			_, err = github.NewClient(github.Config{
				AppID:          cfg.GitHub.AppID,
				InstallationID: cfg.GitHub.InstallationID,
				PrivateKey:     key,
				APIURL:         cfg.GitHub.APIURL,
			}, nil)
			if err != nil {
				return "unusable key", err
			}
			return cfg.GitHub.PrivateKeyPath, nil
		}},
		{"agent signing key", func(context.Context) (string, error) {
			key, err := os.ReadFile(cfg.Agent.JWTPrivateKeyPath)
			if err != nil {
				return cfg.Agent.JWTPrivateKeyPath, err
			}
			if _, err := agenttoken.NewSignerFromPEM(key); err != nil {
				return "not an Ed25519 PEM key", err
			}
			return cfg.Agent.JWTPrivateKeyPath, nil
		}},
		{"task database", func(ctx context.Context) (string, error) {
			store, err := postgres.Open(ctx, postgres.Config{URL: cfg.Database.URL, ConnectTimeout: cfg.Database.ConnectTimeout})
			if err != nil {
				return "unreachable", err
			}
			defer func() { _ = store.Close() }()
			return "reachable", nil
		}},
	}

	if cfg.UsesCloud() {
		checks = append(checks, doctorCheck{"AWS credentials", func(ctx context.Context) (string, error) {
			return checkAWSCredentials(ctx, cfg)
		}})
	}
	return checks
}

func checkAWSCredentials(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.AWS.AccessKeyID != "" {
		return "static key " + maskAccessKey(cfg.AWS.AccessKeyID), nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		printAWSCredentialsHelp()
		return "cannot load AWS config", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "cannot retrieve credentials", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for EC2 dispatch:")
	log.Info("  1. Set aws.access_key_id and aws.secret_access_key (MINION_AWS_ACCESS_KEY_ID, MINION_AWS_SECRET_ACCESS_KEY), or")
	log.Info("  2. Set aws.profile to a profile from ~/.aws/config, or")
	log.Info("  3. Use the AWS SDK default chain (AWS_* environment variables, instance role)")
}

// checkFulmen reports the gofulmen and Crucible versions behind the exit
// codes and error envelopes.
func checkFulmen(context.Context) (string, error) {
	v := crucible.GetVersion()
	if v.Gofulmen == "" || v.Crucible == "" {
		return "version unknown", fmt.Errorf("cannot access fulmen libraries (gofulmen=%q crucible=%q)", v.Gofulmen, v.Crucible)
	}
	return crucible.GetVersionString(), nil
}
