package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/baton/internal/logging"
	"github.com/ravi-parthasarathy/baton/pkg/adaptor"
	"github.com/ravi-parthasarathy/baton/pkg/adaptors/common"
	"github.com/ravi-parthasarathy/baton/pkg/adaptors/file"
	httpadaptor "github.com/ravi-parthasarathy/baton/pkg/adaptors/http"
	"github.com/ravi-parthasarathy/baton/pkg/adaptors/shell"
	"github.com/ravi-parthasarathy/baton/pkg/jobfile"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
	"github.com/ravi-parthasarathy/baton/pkg/state"
	"github.com/ravi-parthasarathy/baton/pkg/store"
)

func main() {
	a := newApp()
	err := rootCmd(a).Execute()
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE resolved for the running command.
type app struct {
	settingsFile string
	envFile      string
	cfg          *settings
	log          zerolog.Logger
	logFile      io.Closer
}

func newApp() *app {
	return &app{log: zerolog.Nop()}
}

// close releases the log output once the command has finished, whether
// or not it succeeded.
func (a *app) close() {
	if a.logFile == nil {
		return
	}
	if err := a.logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close log output: %v\n", err)
	}
	a.logFile = nil
}

func rootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "baton",
		Short: "baton runs stateful operation pipelines",
		Long: `baton executes HCL job files: ordered steps, each a single adaptor call,
threading one State document from step to step.

Arguments that reference state, item, index or error are evaluated just
before their step runs, so every step sees what the previous ones wrote.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd, a.settingsFile, a.envFile)
			if err != nil {
				return err
			}
			log, closer, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
			if err != nil {
				return err
			}
			a.cfg, a.log, a.logFile = cfg, log, closer
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.settingsFile, "settings", "", "settings file (default ./baton.yaml when present)")
	pf.StringVar(&a.envFile, "env-file", "", "dotenv file loaded into the environment (default ./.env)")
	pf.String("log-level", "info", "log level: trace, debug, info, warn, error")
	pf.String("log-format", "console", "log format: console, text or json")
	pf.String("log-output", "stderr", "log destination: stderr, stdout or a file path")
	pf.String("workdir", "", "working directory for shell commands")

	root.AddCommand(runCmd(a))
	root.AddCommand(lintCmd(a))
	root.AddCommand(graphCmd(a))
	root.AddCommand(resumeCmd(a))
	root.AddCommand(adaptorsCmd(a))
	return root
}

// ─── run ──────────────────────────────────────────────────────────────────────

type runOptions struct {
	statePath  string
	configPath string
	output     string
	checkpoint string
}

func runCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <job.hcl>",
		Short: "Run a job from its first step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.statePath, "state", "", "initial State file (JSON or YAML)")
	f.StringVar(&opts.configPath, "config", "", "configuration file stored as state.configuration")
	f.StringVarP(&opts.output, "output", "o", "", "write the final State to this file instead of stdout")
	f.StringVar(&opts.checkpoint, "checkpoint", "", "write a checkpoint after every step")
	f.String("store", "", "state store for cursors: a directory, file:// or redis:// URI")
	f.Duration("timeout", 0, "abort the run after this long (0 means no limit)")
	f.Bool("strict", true, "fail steps that return something other than a State")
	f.StringSlice("redact", []string{state.KeyConfiguration}, "top-level keys dropped from the output")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, jobPath string, opts runOptions) error {
	job, err := a.parse(jobPath)
	if err != nil {
		return err
	}

	initial := state.New()
	if opts.statePath != "" {
		if initial, err = state.ReadFile(opts.statePath); err != nil {
			return err
		}
	}
	if opts.configPath != "" {
		cfg, err := state.ReadFile(opts.configPath)
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		initial[state.KeyConfiguration] = map[string]any(cfg)
	}

	ctx, cancel := a.runContext(ctx)
	defer cancel()

	var st store.Store
	if a.cfg.Store != "" {
		if st, err = store.Open(ctx, a.cfg.Store); err != nil {
			return err
		}
		defer st.Close()
		if err := a.loadCursor(ctx, st, job.Name, initial); err != nil {
			return err
		}
	}

	eng := pipeline.NewEngine(
		pipeline.WithLogger(a.log),
		pipeline.WithStrict(a.cfg.Strict),
		pipeline.WithCheckpoint(opts.checkpoint),
	)
	res, err := eng.Run(ctx, job.Pipeline, initial)
	if err != nil {
		return a.halted(res, err)
	}
	if st != nil {
		if err := a.saveCursor(ctx, st, job.Name, res.State); err != nil {
			return err
		}
	}
	return writeOutput(out, opts.output, res.State, a.cfg.Redact)
}

// runContext applies the timeout and cancels on SIGINT or SIGTERM.
func (a *app) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	if a.cfg.Timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	return tctx, func() { cancel(); stop() }
}

func (a *app) loadCursor(ctx context.Context, st store.Store, key string, initial state.State) error {
	prev, err := st.Load(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load cursor: %w", err)
	}
	if c, ok := prev[state.KeyCursor]; ok {
		if _, set := initial[state.KeyCursor]; !set {
			initial[state.KeyCursor] = c
			a.log.Info().Str("job", key).Interface("cursor", c).Msg("cursor restored")
		}
	}
	return nil
}

func (a *app) saveCursor(ctx context.Context, st store.Store, key string, final state.State) error {
	c, ok := final[state.KeyCursor]
	if !ok {
		return nil
	}
	if err := st.Save(ctx, key, state.State{state.KeyCursor: c}); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	a.log.Info().Str("job", key).Interface("cursor", c).Msg("cursor saved")
	return nil
}

// halted logs the step reports of a failed run and returns err.
func (a *app) halted(res *pipeline.Result, err error) error {
	if res != nil {
		for _, r := range res.Steps {
			if r.Status == pipeline.StatusFailed {
				a.log.Error().Str("step", r.Step).Int("attempts", r.Attempts).Str("error", r.Error).Msg("step failed")
			}
		}
	}
	return err
}

// writeOutput exports final and writes it to path, or as JSON to w when
// path is empty.
func writeOutput(w io.Writer, path string, final state.State, redact []string) error {
	doc, err := state.Export(final, redact...)
	if err != nil {
		return err
	}
	if path == "" {
		return state.Encode(w, doc, state.FormatJSON)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := state.Encode(f, doc, state.FormatFromPath(path)); err != nil {
		f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lint <job.hcl>",
		Short: "Validate a job file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.parse(args[0])
			if err != nil {
				return err
			}
			if err := pipeline.ValidateErr(job.Pipeline); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: job %q is valid (%d steps)\n", job.Name, job.Pipeline.Len())
			return nil
		},
	}
}

// ─── resume ───────────────────────────────────────────────────────────────────

func resumeCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "resume <job.hcl> <checkpoint.json>",
		Short: "Continue a run from a checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobPath, cpPath := args[0], args[1]
			cp, err := state.LoadCheckpoint(cpPath)
			if err != nil {
				return err
			}
			job, err := a.parse(jobPath)
			if err != nil {
				return err
			}
			if cp.Job != "" && cp.Job != job.Name {
				return fmt.Errorf("checkpoint belongs to job %q, not %q", cp.Job, job.Name)
			}
			a.log.Info().Str("run", cp.RunID).Str("after", cp.LastStep).Int("next", cp.NextStep).Msg("resuming")

			ctx, cancel := a.runContext(cmd.Context())
			defer cancel()
			eng := pipeline.NewEngine(
				pipeline.WithLogger(a.log),
				pipeline.WithStrict(a.cfg.Strict),
				pipeline.WithCheckpoint(cpPath),
			)
			res, err := eng.Resume(ctx, job.Pipeline, cp)
			if err != nil {
				return a.halted(res, err)
			}
			return writeOutput(cmd.OutOrStdout(), output, res.State, a.cfg.Redact)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the final State to this file instead of stdout")
	cmd.Flags().Duration("timeout", 0, "abort the run after this long (0 means no limit)")
	cmd.Flags().Bool("strict", true, "fail steps that return something other than a State")
	cmd.Flags().StringSlice("redact", []string{state.KeyConfiguration}, "top-level keys dropped from the output")
	return cmd
}

// ─── adaptors ─────────────────────────────────────────────────────────────────

func adaptorsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "adaptors",
		Short: "List the available adaptors and their functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := buildRegistry(a.cfg.Workdir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tFUNCTIONS\tDESCRIPTION")
			for _, name := range reg.Names() {
				ad, _ := reg.Get(name)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ad.Name, ad.Version, strings.Join(ad.FuncNames(), ", "), ad.Description)
			}
			return tw.Flush()
		},
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func (a *app) parse(path string) (*jobfile.Job, error) {
	reg, err := buildRegistry(a.cfg.Workdir)
	if err != nil {
		return nil, err
	}
	job, err := jobfile.ParseFile(path, reg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return job, nil
}

// buildRegistry returns a registry with every built-in adaptor.
func buildRegistry(workdir string) (*adaptor.Registry, error) {
	return adaptor.NewRegistry(
		common.New(),
		httpadaptor.New(),
		file.New(),
		shell.New(workdir),
	)
}
