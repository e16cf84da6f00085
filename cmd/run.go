// File: cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/captcha"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/driver"
	"github.com/xkilldash9x/courier-cli/internal/observability"
	"github.com/xkilldash9x/courier-cli/internal/orchestrator"
	"github.com/xkilldash9x/courier-cli/internal/targets"
)

// Keys of the settings remembered between runs.
const (
	settingIdentifier   = "identifier"
	settingMessage      = "message"
	settingTargetsFile  = "targets_file"
	settingMinDelay     = "min_delay"
	settingMaxDelay     = "max_delay"
	settingRelationship = "relationship_action"
)

type runOptions struct {
	identifier   string
	targetsFile  string
	column       string
	message      string
	messageFile  string
	minDelay     float64
	maxDelay     float64
	relationship bool
	headless     bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run [profile-url...]",
		Short: "Log in once and deliver the message to every target in order",
		Long: `Run authenticates against the configured service, reusing stored session
cookies when they are still valid, then visits each target in order and sends
the message. Targets already messaged successfully are skipped.

While the run is active, press Enter to confirm a security challenge solved in
the browser, or type "stop" to end the run after the current target.

Flags take precedence over values remembered from the previous run, which take
precedence over the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := observability.GetLogger()

			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			plan, err := buildPlan(ctx, st, cfg, *opts, cmd.Flags().Changed, args, logger)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}

			observer := observability.NewConsoleObserver(logger, cmd.OutOrStdout())
			gate := captcha.NewGate(cfg.Captcha(), observer, logger)
			orch, err := orchestrator.New(cfg, st, launcher(cfg, logger), gate, observer, logger)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Processing %d targets. Type \"stop\" and press Enter to end the run early.\n", len(plan.Targets))
			report, err := operate(ctx, orch, gate, plan, cmd.InOrStdin(), cmd.OutOrStdout())
			printSummary(cmd.OutOrStdout(), report)
			return err
		},
	}

	flags := runCmd.Flags()
	flags.StringVar(&opts.identifier, "identifier", "", "login identifier (the secret is read from COURIER_SESSION_SECRET)")
	flags.StringVarP(&opts.targetsFile, "targets-file", "f", "", "CSV file with the target list")
	flags.StringVar(&opts.column, "column", targets.DefaultColumn, "CSV column holding the profile locators")
	flags.StringVarP(&opts.message, "message", "m", "", "message template")
	flags.StringVar(&opts.messageFile, "message-file", "", "file holding the message template")
	flags.Float64Var(&opts.minDelay, "min-delay", config.DefaultMinDelay, "minimum delay between targets, in seconds")
	flags.Float64Var(&opts.maxDelay, "max-delay", config.DefaultMaxDelay, "maximum delay between targets, in seconds")
	flags.BoolVar(&opts.relationship, "relationship-action", false, "also trigger the relationship action on each profile")
	flags.BoolVar(&opts.headless, "headless", false, "run the browser without a window")

	return runCmd
}

// buildPlan resolves every run input with flag > stored setting > config
// precedence, loads targets and the message, and remembers what was used.
func buildPlan(ctx context.Context, st schemas.RecordStore, cfg config.Interface, opts runOptions, changed func(string) bool, args []string, logger *zap.Logger) (orchestrator.Plan, error) {
	pick := func(flag, key, flagValue, fallback string) string {
		if changed(flag) {
			return flagValue
		}
		stored, err := st.GetSetting(ctx, key, "")
		if err != nil {
			logger.Warn("Failed to read stored setting.", zap.String("key", key), zap.Error(err))
		}
		if stored != "" {
			return stored
		}
		return fallback
	}

	var plan orchestrator.Plan
	remember := map[string]string{}

	// -- Targets --
	plan.Targets = targets.FromArgs(args)
	if len(plan.Targets) == 0 {
		path := pick("targets-file", settingTargetsFile, opts.targetsFile, cfg.Run().TargetsFile)
		if path == "" {
			return plan, fmt.Errorf("%w: no targets given; pass profile URLs or --targets-file", schemas.ErrConfiguration)
		}
		column := cfg.Run().TargetsColumn
		if changed("column") || column == "" {
			column = opts.column
		}
		loaded, err := targets.LoadCSV(path, column)
		if err != nil {
			return plan, err
		}
		plan.Targets = loaded
		remember[settingTargetsFile] = path
	}

	// -- Message --
	var err error
	switch {
	case changed("message") || changed("message-file"):
		plan.Message, err = targets.LoadMessage(opts.message, opts.messageFile)
	default:
		stored, getErr := st.GetSetting(ctx, settingMessage, "")
		if getErr != nil {
			logger.Warn("Failed to read stored setting.", zap.String("key", settingMessage), zap.Error(getErr))
		}
		plan.Message, err = targets.LoadMessage(stored, cfg.Run().MessageFile)
	}
	if err != nil {
		return plan, err
	}
	remember[settingMessage] = plan.Message

	// -- Delays and options --
	run := cfg.Run()
	plan.MinDelay, err = parseDelay("min-delay", pick("min-delay", settingMinDelay, formatFloat(opts.minDelay), formatFloat(run.MinDelay)))
	if err != nil {
		return plan, err
	}
	plan.MaxDelay, err = parseDelay("max-delay", pick("max-delay", settingMaxDelay, formatFloat(opts.maxDelay), formatFloat(run.MaxDelay)))
	if err != nil {
		return plan, err
	}
	plan.RelationshipAction, err = strconv.ParseBool(pick("relationship-action", settingRelationship, strconv.FormatBool(opts.relationship), strconv.FormatBool(run.RelationshipAction)))
	if err != nil {
		return plan, fmt.Errorf("%w: relationship-action: %v", schemas.ErrConfiguration, err)
	}
	cfg.SetRunDelayBounds(plan.MinDelay, plan.MaxDelay)
	cfg.SetRunRelationshipAction(plan.RelationshipAction)
	remember[settingMinDelay] = formatFloat(plan.MinDelay)
	remember[settingMaxDelay] = formatFloat(plan.MaxDelay)
	remember[settingRelationship] = strconv.FormatBool(plan.RelationshipAction)

	// -- Credentials --
	plan.Credentials = schemas.Credential{
		Identifier: pick("identifier", settingIdentifier, opts.identifier, cfg.Session().Identifier),
		Secret:     cfg.Session().Secret,
	}
	if plan.Credentials.Identifier != "" {
		remember[settingIdentifier] = plan.Credentials.Identifier
	}
	if !plan.Credentials.Valid() {
		logger.Warn("Login credentials are incomplete; the run relies on stored session cookies.")
	}

	for key, value := range remember {
		if err := st.SetSetting(ctx, key, value); err != nil {
			logger.Warn("Failed to remember setting.", zap.String("key", key), zap.Error(err))
		}
	}
	return plan, nil
}

func parseDelay(name, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number of seconds, got %q", schemas.ErrConfiguration, name, raw)
	}
	return v, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// launcher adapts driver.Launch so a failed launch never yields a typed nil driver.
func launcher(cfg config.Interface, logger *zap.Logger) orchestrator.Launcher {
	return func(ctx context.Context) (driver.Driver, error) {
		drv, err := driver.Launch(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return drv, nil
	}
}

// runner is the part of the orchestrator the operator loop drives.
type runner interface {
	Run(ctx context.Context, plan orchestrator.Plan) (orchestrator.Report, error)
	Stop()
}

// resolver confirms a pending security challenge.
type resolver interface {
	Resolve() bool
}

// operate runs the plan on a worker goroutine while this goroutine serves
// operator input: an empty line resolves a pending challenge and "stop" ends
// the run after the current target.
func operate(ctx context.Context, orch runner, gate resolver, plan orchestrator.Plan, in io.Reader, out io.Writer) (orchestrator.Report, error) {
	done := make(chan struct{})
	lines := make(chan string)
	go readLines(in, lines, done)

	var report orchestrator.Report
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		var err error
		report, err = orch.Run(gctx, plan)
		return err
	})

	g.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			case line, ok := <-lines:
				if !ok {
					// Input closed; keep waiting for the run.
					lines = nil
					continue
				}
				switch strings.ToLower(strings.TrimSpace(line)) {
				case "":
					if gate.Resolve() {
						fmt.Fprintln(out, "Challenge marked as solved; resuming.")
					}
				case "stop", "q", "quit":
					orch.Stop()
					fmt.Fprintln(out, "Stopping after the current target...")
				default:
					fmt.Fprintf(out, "Unknown command %q. Press Enter after solving a challenge, or type \"stop\".\n", strings.TrimSpace(line))
				}
			}
		}
	})

	err := g.Wait()
	return report, err
}

func readLines(in io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-done:
			return
		}
	}
}

func printSummary(out io.Writer, r orchestrator.Report) {
	state := "completed"
	if r.Cancelled {
		state = "stopped"
	}
	elapsed := time.Duration(0)
	if !r.Finished.IsZero() {
		elapsed = r.Finished.Sub(r.Started).Round(time.Second)
	}
	fmt.Fprintf(out, "\nRun %s %s after %s: %s\n", r.RunID, state, elapsed, r.Stats)
}
