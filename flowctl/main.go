// Command flowctl validates, compiles and runs graph documents from the
// command line, and serves compiled plans over HTTP.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/cobra"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/api"
	"github.com/meikuraledutech/flowdag/compiler"
	"github.com/meikuraledutech/flowdag/config"
	"github.com/meikuraledutech/flowdag/ctxlog"
	"github.com/meikuraledutech/flowdag/executor"
	"github.com/meikuraledutech/flowdag/llm"
	"github.com/meikuraledutech/flowdag/scheduler"
	"github.com/meikuraledutech/flowdag/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	// gen overrides the configured backend; tests set it.
	gen llm.Generator
}

func newRootCmd() *cobra.Command {
	return (&cli{}).rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Validate, compile and run prompt graphs",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = ctxlog.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")

	root.AddCommand(c.validateCmd(), c.compileCmd(), c.runCmd(), c.execCmd(), c.serveCmd())
	return root
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph.json>",
		Short: "Check that a graph document is a valid DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			d := g.DAG()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d nodes, %d edges\n", len(d.Nodes), len(d.Edges))
			return nil
		},
	}
}

func (c *cli) compileCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compile <graph.json>",
		Short: "Compile a graph document into an execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			plan, err := compiler.Compile(g.DAG(), compiler.WithDefaultModel(c.cfg.LLM.DefaultModel))
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(plan, "", "  ")
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			return os.WriteFile(output, append(data, '\n'), 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the plan to this file instead of stdout")
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "run <graph.json>",
		Short: "Run a graph document with the runtime scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}

			shutdown, err := telemetry.Init(c.cfg.Tracing.Enabled, "flowctl", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer shutdown(cmd.Context())

			s := scheduler.New(executor.New(c.generator()),
				scheduler.WithLogger(c.logger),
				scheduler.WithMaxConcurrency(c.cfg.Scheduler.MaxConcurrency),
				scheduler.WithNodeTimeout(c.cfg.Scheduler.NodeTimeout),
			)
			rep, runErr := s.Run(cmd.Context(), g.DAG(), nil, in)
			if runErr != nil {
				return runErr
			}
			return printJSON(cmd, rep.Output)
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "entry node input as id=text (repeatable)")
	return cmd
}

func (c *cli) execCmd() *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "exec <plan.json>",
		Short: "Execute a compiled plan level by level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}

			shutdown, err := telemetry.Init(c.cfg.Tracing.Enabled, "flowctl", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer shutdown(cmd.Context())

			r := compiler.NewRunner(executor.New(c.generator()), compiler.WithLogger(c.logger))
			out, err := r.Run(cmd.Context(), plan, in, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "entry node input as id=text (repeatable)")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve <plan.json>",
		Short: "Serve a compiled plan at POST /",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			if listen == "" {
				listen = c.cfg.Listen
			}

			r := compiler.NewRunner(executor.New(c.generator()), compiler.WithLogger(c.logger))
			app := fiber.New()
			app.Post("/", api.PlanHandler(r, plan))

			c.logger.Info("serving plan", slog.String("plan", plan.ID()), slog.String("addr", listen))
			return app.Listen(listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}

// generator returns the configured generation service, or nil when no API
// key is set.
func (c *cli) generator() llm.Generator {
	if c.gen != nil {
		return c.gen
	}
	if c.cfg.LLM.APIKey == "" {
		return nil
	}
	return llm.NewService(
		llm.NewOpenAI(c.cfg.LLM.APIKey, c.cfg.LLM.BaseURL),
		llm.WithDefaultModel(c.cfg.LLM.DefaultModel),
		llm.WithTimeout(c.cfg.LLM.Timeout),
	)
}

func loadGraph(path string) (*flowdag.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d flowdag.DAG
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return flowdag.Build(&d)
}

func loadPlan(path string) (*flowdag.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p flowdag.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &p, nil
}

func parseInputs(pairs []string) (map[string]string, error) {
	in := make(map[string]string, len(pairs))
	for _, p := range pairs {
		id, text, ok := strings.Cut(p, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --input %q, want id=text", p)
		}
		in[id] = text
	}
	return in, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
