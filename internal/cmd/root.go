// Package cmd holds the minion-dispatcher command tree.
package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autominion/minion/internal/observability"
	"github.com/autominion/minion/internal/server/handlers"
)

// AppIdentity names the binary and its per-user directories.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

var (
	cfgFile  string
	logLevel string
	verbose  bool

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity = &AppIdentity{
		BinaryName: "minion-dispatcher",
		ConfigName: "minion",
		EnvPrefix:  "MINION",
	}
)

var rootCmd = &cobra.Command{
	Use:   "minion-dispatcher",
	Short: "Dispatch queued AI agent tasks onto machines",
	Long: `minion-dispatcher claims queued tasks from the task database and runs each
one as an isolated job: it prepares a task branch on GitHub, starts the agent
container on a fresh machine, and opens a pull request with the result.

Configuration is read from config.toml (or --config / MINION_CONFIG_FILE) and
MINION_* environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCLILogging,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./config.toml or $MINION_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(handlers.VersionInfo{Version: version, Commit: commit, BuildDate: buildDate})
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initCLILogging(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(appIdentity.BinaryName, verbose)
	if logLevel == "" {
		return nil
	}
	logger, err := observability.NewLogger(appIdentity.BinaryName, logLevel, observability.ProfileConsole)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --log-level value", err)
	}
	observability.SetCLILogger(logger)
	return nil
}

// configOverrides turns persistent flags into config.Load overrides.
func configOverrides() map[string]any {
	overrides := map[string]any{}
	if cfgFile != "" {
		overrides["config_file"] = cfgFile
	}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	} else if verbose {
		overrides["logging"] = map[string]any{"level": "debug"}
	}
	return overrides
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps an Execute error onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// ReportError logs a command failure on the CLI logger.
func ReportError(err error) {
	observability.CLILogger.Error("Command failed", zap.Error(err))
}
