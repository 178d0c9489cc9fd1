// Legion drives the Iron Legion IoT demo: a cat feeder, an Iron Man
// helmet and a suit fleet, commanded over MQTT by hand or by an LLM
// agent.
//
// Usage:
//
//	legion serve              Start the API server and dashboard
//	legion mcp                Serve the device tools over MCP on stdio
//	legion ask <question>     Ask the agent a single question
//	legion feeder <action>    Send forward, stop or backward to the feeder
//	legion feed [seconds]     Run the feeder for N seconds, then stop it
//	legion helmet <preset>    Apply a helmet preset
//	legion protocol           Activate the House Party Protocol
//	legion telemetry          Print vehicle telemetry
//	legion tools              List the tools the agent can call
//	legion version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/summitlabs/legion/internal/agent"
	"github.com/summitlabs/legion/internal/api"
	"github.com/summitlabs/legion/internal/buildinfo"
	"github.com/summitlabs/legion/internal/config"
	"github.com/summitlabs/legion/internal/connwatch"
	"github.com/summitlabs/legion/internal/control"
	"github.com/summitlabs/legion/internal/gateway"
	"github.com/summitlabs/legion/internal/httpkit"
	"github.com/summitlabs/legion/internal/llm"
	"github.com/summitlabs/legion/internal/mcp"
	"github.com/summitlabs/legion/internal/memory"
	"github.com/summitlabs/legion/internal/metrics"
	"github.com/summitlabs/legion/internal/mqtt"
	"github.com/summitlabs/legion/internal/render"
	"github.com/summitlabs/legion/internal/telemetry"
	"github.com/summitlabs/legion/internal/tools"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string
}

// run is the real entry point. Cancelling ctx shuts everything down.
// It returns nil on clean exit.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "legion",
		Short:         "Iron Legion IoT demo",
		Long:          "Legion commands the cat feeder, the Mark 3 helmet and the suit fleet over MQTT, by hand or through an LLM agent.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", flags.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(flags, stdout),
		newMCPCmd(flags, stderr),
		newAskCmd(flags, stdout, stderr),
		newFeederCmd(flags, stdout, stderr),
		newFeedCmd(flags, stdout, stderr),
		newHelmetCmd(flags, stdout, stderr),
		newProtocolCmd(flags, stdout, stderr),
		newTelemetryCmd(flags, stdout, stderr),
		newToolsCmd(flags, stdout, stderr),
		newVersionCmd(flags, stdout),
	)
	return root
}

// loadConfig loads the explicit or discovered config file. Without one,
// the defaults plus LEGION_* environment overrides are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg, err := config.Default()
		if err != nil {
			return nil, "", fmt.Errorf("default config: %w", err)
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the configured logger writing to w.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already checked by Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

// app holds the components shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	broker    *mqtt.Client // nil when no broker is configured
	registry  *tools.Registry
	panel     *control.Panel
	telemetry *telemetry.HTTPSource // nil when the sample data is used
}

// newApp loads config and wires the broker, gateway, tool registry and
// control panel. Logs go to logw.
func newApp(ctx context.Context, flags *globalFlags, logw io.Writer) (*app, error) {
	return buildApp(ctx, flags, logw, true)
}

// newOfflineApp wires the registry and panel without dialing the
// broker, for commands that never publish.
func newOfflineApp(ctx context.Context, flags *globalFlags, logw io.Writer) (*app, error) {
	return buildApp(ctx, flags, logw, false)
}

func buildApp(ctx context.Context, flags *globalFlags, logw io.Writer, connect bool) (*app, error) {
	cfg, cfgPath, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, logw)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	var pub tools.Publisher
	switch {
	case !connect:
		logger.Debug("broker not needed, skipping mqtt connect")
	case cfg.MQTT.Configured():
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("mqtt instance id: %w", err)
		}
		a.broker = mqtt.New(cfg.MQTT, instanceID, logger)
		if err := a.broker.Start(ctx); err != nil {
			return nil, err
		}
		pub = gateway.New(a.broker, logger, a.metrics)
	default:
		logger.Warn("no mqtt broker configured, device commands will fail")
	}

	var source telemetry.Source
	if cfg.Telemetry.URL != "" {
		client := httpkit.NewClient(httpkit.WithTimeout(15*time.Second), httpkit.WithUserAgent(buildinfo.UserAgent()))
		a.telemetry = telemetry.NewHTTPSource(cfg.Telemetry.URL, client, logger)
		source = a.telemetry
	}

	a.registry = tools.NewRegistry(cfg.Project, pub, source,
		tools.WithLogger(logger),
		tools.WithMetrics(a.metrics))
	a.panel = control.New(a.registry, logger)
	return a, nil
}

// close disconnects from the broker.
func (a *app) close() {
	if a.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.broker.Stop(ctx); err != nil {
		a.logger.Error("mqtt shutdown failed", "error", err)
	}
}

// newLLMClient builds a multi-provider client. Models without an
// explicit route go to Ollama.
func (a *app) newLLMClient() llm.Client {
	ollama := llm.NewOllamaClient(a.cfg.Models.OllamaURL, a.logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if a.cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(a.cfg.Anthropic.APIKey, a.logger))
		a.logger.Info("Anthropic provider configured")
	}
	for _, m := range a.cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	a.logger.Info("LLM client initialized", "default_model", a.cfg.Models.Default, "routed_models", len(multi.Models()))
	return multi
}

// watchDependencies starts health probes for the LLM backend, the
// broker when one is configured, and a remote telemetry source.
func (a *app) watchDependencies(ctx context.Context, client llm.Client) *connwatch.Manager {
	mgr := connwatch.NewManager(a.logger, a.metrics)
	sched := connwatch.DefaultSchedule()

	mgr.Watch(ctx, "llm", client.Ping, sched)
	if a.broker != nil {
		mgr.Watch(ctx, "mqtt", a.broker.AwaitConnection, sched)
	}
	if a.telemetry != nil {
		mgr.Watch(ctx, "telemetry", func(ctx context.Context) error {
			_, err := a.telemetry.Vehicles(ctx)
			return err
		}, sched)
	}
	return mgr
}

// newAgent builds the agent loop over a fresh transcript store.
func (a *app) newAgent(client llm.Client) *agent.Loop {
	return agent.NewLoop(agent.Config{
		LLM:           client,
		Tools:         a.registry,
		Memory:        memory.NewStore(a.cfg.Agent.MaxHistory, memory.WithMaxConversations(a.cfg.Agent.MaxConversations)),
		Model:         a.cfg.Models.Default,
		SystemPrompt:  a.cfg.Agent.SystemPrompt,
		MaxIterations: a.cfg.Agent.MaxIterations,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
}

func newServeCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, flags, stdout)
			if err != nil {
				return err
			}
			defer a.close()
			a.logger.Info("starting Legion", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

			client := a.newLLMClient()
			loop := a.newAgent(client)

			health := a.watchDependencies(ctx, client)
			defer health.Stop()

			server := api.NewServer(api.Config{
				Address:   a.cfg.Listen.Address,
				Port:      a.cfg.Listen.Port,
				PublicURL: a.cfg.Listen.PublicURL,
				Agent:     loop,
				Memory:    loop.Memory(),
				Registry:  a.registry,
				Panel:     a.panel,
				Metrics:   a.metrics,
				Health:    health,
				Logger:    a.logger,
			})

			go func() {
				<-ctx.Done()
				a.logger.Info("shutdown signal received")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("API server shutdown failed", "error", err)
				}
			}()

			if err := server.Start(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("server failed: %w", err)
			}
			a.logger.Info("Legion stopped")
			return nil
		},
	}
}

func newMCPCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the device tools over MCP on stdio",
		Long:  "Serve the device tools as a Model Context Protocol server on stdin/stdout. Logs go to stderr.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			// stdout carries the protocol.
			a, err := newApp(ctx, flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()
			return mcp.NewServer(a.registry, a.logger).Serve(ctx)
		},
	}
}

func newAskCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the agent a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			// Tokens and tool notices stream to stdout as plain text in
			// text mode.
			plain := render.NewPlainWriter(stdout)
			var (
				callback llm.StreamCallback
				streamed bool
			)
			if flags.output == "text" {
				callback = func(ev llm.StreamEvent) {
					switch ev.Kind {
					case llm.KindToken:
						streamed = true
						_, _ = plain.WriteString(ev.Token)
					case llm.KindToolCallStart:
						if ev.ToolCall != nil {
							_, _ = plain.WriteString(render.ToolNotice(ev.ToolCall.Function.Name))
						}
					}
				}
			}

			resp, err := a.newAgent(a.newLLMClient()).Run(ctx, &agent.Request{
				Messages:       []agent.Message{{Role: "user", Content: strings.Join(args, " ")}},
				Model:          model,
				ConversationID: "cli",
				Transport:      "cli",
			}, callback)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			if flags.output == "json" {
				return writeJSON(stdout, resp)
			}
			if !streamed {
				_, _ = plain.WriteString(resp.Content)
			}
			return plain.Flush()
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (default from config)")
	return cmd
}

func newFeederCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:       "feeder <forward|stop|backward>",
		Short:     "Send one command to the cat feeder",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"forward", "stop", "backward"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.panel.Feeder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(stdout, flags.output, res)
		},
	}
}

func newFeedCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "feed [seconds]",
		Short: "Run the feeder forward for N seconds, then stop it",
		Long:  fmt.Sprintf("Run the feeder forward for N seconds (%d-%d, default %d), then stop it.", control.MinFeedSeconds, control.MaxFeedSeconds, control.DefaultFeedSeconds),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds := control.DefaultFeedSeconds
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("seconds must be a whole number, got %q", args[0])
				}
				seconds = n
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			a, err := newApp(ctx, flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.panel.TimedFeed(ctx, seconds)
			if err != nil {
				return err
			}
			if flags.output == "json" {
				if err := writeJSON(stdout, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(stdout, report.Message)
			}
			if !report.OK {
				return errors.New("timed feed failed")
			}
			return nil
		},
	}
}

func newHelmetCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	names := make([]string, 0, len(control.Presets))
	for _, p := range control.Presets {
		names = append(names, p.Name)
	}
	return &cobra.Command{
		Use:       "helmet <" + strings.Join(names, "|") + ">",
		Short:     "Apply a Mark 3 helmet preset",
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := control.LookupPreset(args[0]); !ok {
				return fmt.Errorf("unknown helmet preset %q (expected one of %s)", args[0], strings.Join(names, ", "))
			}
			a, err := newApp(cmd.Context(), flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.panel.Helmet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(stdout, flags.output, res)
		},
	}
}

func newProtocolCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "protocol",
		Short: "Activate the House Party Protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.panel.Protocol(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(stdout, flags.output, res)
		},
	}
}

func newTelemetryCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "telemetry",
		Short: "Print the latest vehicle telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newOfflineApp(cmd.Context(), flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			vehicles, err := a.panel.Telemetry(cmd.Context())
			if err != nil {
				return err
			}
			if flags.output == "json" {
				return writeJSON(stdout, map[string]any{"vehicles": vehicles})
			}

			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VEHICLE\tUPDATED\tTEMP\tHUMIDITY\tLAT\tLON\tALT")
			for _, v := range vehicles {
				m := v.Measurements
				fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%.4f\t%.4f\t%.1f\n",
					v.VehicleName, v.LastUpdated, m.Temperature, m.Humidity, m.Latitude, m.Longitude, m.Altitude)
			}
			return tw.Flush()
		},
	}
}

func newToolsCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the agent can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newOfflineApp(cmd.Context(), flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			if flags.output == "json" {
				return writeJSON(stdout, a.registry.List())
			}
			for _, t := range a.registry.All() {
				desc, _, _ := strings.Cut(t.Description, "\n")
				fmt.Fprintf(stdout, "%-34s %s\n", t.Name, desc)
			}
			return nil
		},
	}
}

func newVersionCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			info := buildinfo.Info()
			if flags.output == "json" {
				return writeJSON(stdout, info)
			}
			fmt.Fprintln(stdout, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(stdout, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}

// printResult prints a tool Result and turns a failed one into an
// error so the exit status reflects it.
func printResult(w io.Writer, format string, res tools.Result) error {
	if format == "json" {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, res.Message)
		if res.Topic != "" {
			fmt.Fprintf(w, "  topic:    %s\n", res.Topic)
		}
		if len(res.Payload) > 0 {
			fmt.Fprintf(w, "  payload:  %s\n", res.Payload)
		}
		if res.Response != "" {
			fmt.Fprintf(w, "  response: %s\n", res.Response)
		}
	}
	if !res.OK() {
		return errors.New(res.Error)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
