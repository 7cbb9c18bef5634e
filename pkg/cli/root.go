// Package cli provides the command-line interface for catkin-bloom
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/catkinbloom/catkinbloom/internal/engine"
	"github.com/catkinbloom/catkinbloom/pkg/config"
	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/repository"
	"github.com/catkinbloom/catkinbloom/pkg/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Exit codes returned by ExitCode
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// CLI encapsulates the command-line interface and makes it testable
// by eliminating global state.
type CLI struct {
	config    *Config
	rootCmd   *cobra.Command
	logger    logger.Logger
	runConfig *types.RunConfig
	output    io.Writer
	errorOut  io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	cli := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(cfg)
	cli.output = output
	cli.errorOut = errorOut
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "catkin-bloom [src]",
		Short: "Build a ROS workspace into a local Debian repository",
		Long: `catkin-bloom scans a source tree for package.xml manifests, orders the
packages into dependency layers and builds every layer in parallel with
bloom-generate and fakeroot. Each finished layer is installed before the
next one starts, and the resulting .deb files are published as a flat apt
repository with a matching rosdep mapping.`,

		Args:              cobra.MaximumNArgs(1),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initializeConfig,
		RunE:              c.runBuild,
	}

	c.setupFlags()

	c.rootCmd.AddCommand(c.newPlanCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: <src>/"+config.FileName+")")
	flags.String(config.KeyOSName, config.DefaultOSName, "target operating system name")
	flags.String(config.KeyOSVersion, config.DefaultOSVersion, "target operating system version")
	flags.String(config.KeyDistro, config.DefaultDistro, "ROS distribution")
	flags.String(config.KeyIgnorePkgs, "", "comma separated packages to leave out of the build")
	flags.String(config.KeyOnlyCheck, "", "comma separated packages to build; every other package is skipped")
	flags.StringP(config.KeyRepoPath, "r", "", "output repository directory (required)")
	flags.StringP(config.KeyExtraRepos, "e", "", "comma separated existing repositories to register as sources")
	flags.StringP(config.KeyRosdepDefs, "D", "", "comma separated name=identifier rosdep definitions")
	flags.StringP(config.KeyJobs, "j", "", "number of packages built in parallel (default 1)")
	flags.BoolP(config.KeyNoInstallDeps, "n", false, "do not install system dependencies before building")
	flags.Bool(config.KeyNotify, false, "send a desktop notification when the run ends")
	flags.StringP(config.KeyVerbosity, "v", string(types.LogLevelInfo), "log level (debug, info, warn, error)")
	flags.String(config.KeyLogFile, "", "also append log output to this file")
	flags.String(config.KeyRosdepListDir, repository.DefaultRosdepListDir, "directory receiving rosdep source lists")
	flags.String(config.KeyAptListDir, repository.DefaultAptListDir, "directory receiving apt source lists")
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	dir := config.DefaultSrc
	if len(args) > 0 {
		dir = args[0]
	}
	used, err := config.ReadFile(v, c.config.ConfigFile, dir)
	if err != nil {
		return err
	}

	c.runConfig = config.Decode(v, args)
	c.logger = c.newLogger(c.runConfig)

	if used != "" {
		c.logger.Debug("Using config file", logger.WithField("file", used))
	}
	return nil
}

func (c *CLI) newLogger(cfg *types.RunConfig) logger.Logger {
	if c.output == os.Stdout {
		return logger.CreateLogger(cfg.LogFile, string(cfg.LogLevel))
	}
	return logger.CreateLoggerWithOutput(string(cfg.LogLevel), c.output)
}

func (c *CLI) newEngine(cfg *types.RunConfig) *engine.Engine {
	deps := engine.NewDependencyFactory(cfg, c.logger).CreateWithOverrides(c.config.Overrides)
	return engine.New(cfg, c.logger, deps)
}

// Helper methods for structured output

func (c *CLI) printError(message string) {
	fmt.Fprintf(c.errorOut, "%s %s\n", color.RedString("[catkin-bloom]"), message)
}

// ExitCode maps the error returned by Execute onto a process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, engine.ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, config.ErrMissingRepoPath):
		return ExitUsage
	default:
		return ExitFailure
	}
}

// ExecuteWithVersion runs the CLI on the process arguments, prints a
// failure to stderr and returns the exit code
func ExecuteWithVersion(version string) int {
	cfg := NewConfig()
	cfg.Version = version
	cli := NewCLI(cfg)

	err := cli.Execute(os.Args[1:])
	if err != nil {
		cli.printError(err.Error())
	}
	return ExitCode(err)
}
