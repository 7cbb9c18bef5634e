package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/catkinbloom/catkinbloom/internal/engine"
	"github.com/catkinbloom/catkinbloom/internal/state"
	"github.com/catkinbloom/catkinbloom/pkg/config"
	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/process"
	"github.com/catkinbloom/catkinbloom/pkg/repository"
	"github.com/catkinbloom/catkinbloom/pkg/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *CLI) newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [src]",
		Short: "Print the build layers without building anything",
		Long: `Scan the source tree and print the layers catkin-bloom would build,
together with every package left out because of a dependency cycle.
Nothing is built, installed or written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: c.runPlan,
	}
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [src]",
		Short: "Show the last build status of every package",
		Long: `Display the status recorded for every package built into the repository,
including the last build time, build and failure counts and the last error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: c.runStatus,
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of catkin-bloom",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "catkin-bloom v%s\n", c.config.Version)
		},
	}
}

func (c *CLI) runBuild(cmd *cobra.Command, args []string) error {
	cfg := c.runConfig
	if err := config.Validate(cfg); err != nil {
		return err
	}

	pm := process.NewManager(c.logger)
	ctx := pm.Start(cmd.Context())
	defer pm.Stop()

	report, err := c.newEngine(cfg).Run(ctx)
	c.printReport(report, err)
	return err
}

func (c *CLI) runPlan(cmd *cobra.Command, args []string) error {
	_, plan, err := c.newEngine(c.runConfig).Plan(cmd.Context())
	if err != nil {
		return err
	}
	return writePlan(c.output, plan)
}

func (c *CLI) runStatus(cmd *cobra.Command, args []string) error {
	cfg := c.runConfig
	if err := config.Validate(cfg); err != nil {
		return err
	}

	writer := repository.NewWriter(cfg.RepoPath, c.logger)
	states, err := state.NewStateManager(writer.StateDir(), c.logger).DiscoverStates()
	if err != nil {
		return fmt.Errorf("failed to discover states: %w", err)
	}
	if len(states) == 0 {
		c.logger.Info("No builds recorded", logger.WithField("repo", cfg.RepoPath))
		return nil
	}
	return writeStatus(c.output, states)
}

func writeStatus(out io.Writer, states map[string]*state.PackageState) error {
	names := types.NewDependencySet()
	for name := range states {
		names.Add(name)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tLAYER\tSTATUS\tLAST BUILD\tBUILDS\tFAILURES")
	fmt.Fprintln(w, "-------\t-----\t------\t----------\t------\t--------")

	for _, name := range names.Sorted() {
		s := states[name]

		lastBuild := "-"
		if !s.LastBuildTime.IsZero() {
			lastBuild = s.LastBuildTime.Format("2006-01-02 15:04:05")
		}

		status := string(s.Status)
		switch s.Status {
		case types.BuildStatusSucceeded:
			status = color.GreenString(status)
		case types.BuildStatusFailed:
			status = color.RedString(status)
		case types.BuildStatusBuilding:
			status = color.YellowString(status)
		}

		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\n",
			name,
			s.Layer,
			status,
			lastBuild,
			s.BuildCount,
			s.FailureCount,
		)
	}

	return w.Flush()
}

// writePlan prints the layers as a table followed by the cyclic packages
func writePlan(out io.Writer, plan *types.Plan) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tPACKAGES")
	fmt.Fprintln(w, "-----\t--------")
	for i, layer := range plan.Layers {
		fmt.Fprintf(w, "%d\t%s\n", i, strings.Join(layer, " "))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(plan.Cyclic) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, color.YellowString("Not built (dependency cycle):"))
	cyclic := types.NewDependencySet()
	for name := range plan.Cyclic {
		cyclic.Add(name)
	}
	for _, name := range cyclic.Sorted() {
		fmt.Fprintf(out, "  %s waiting on %s\n", name, strings.Join(plan.Cyclic[name], ", "))
	}
	return nil
}

func (c *CLI) printReport(report *engine.RunReport, err error) {
	if report == nil {
		return
	}

	log := c.logger
	log.Info(fmt.Sprintf("%d layer(s) installed, %d built, %d skipped, %d failed",
		report.Layers, len(report.Built), len(report.Skipped), len(report.Failed)),
		logger.WithField("duration", report.Duration.Round(time.Millisecond)))

	var layerErr *engine.LayerError
	if errors.As(err, &layerErr) {
		for _, f := range layerErr.Failed {
			log.WithPackage(f.Package).Error("Build failed", logger.WithError(f.Err))
		}
	}
}
