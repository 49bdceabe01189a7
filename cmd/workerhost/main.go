// Command workerhost runs a worker behind a channel and drives it from the
// command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	workerchan "github.com/machinefabric/workerchan-go"
	"github.com/machinefabric/workerchan-go/config"
	"github.com/machinefabric/workerchan-go/logging"
)

type rootOptions struct {
	configPath  string
	metricsAddr string
	logLevel    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "workerhost",
		Short:        "Host a worker process behind a message channel",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "workerhost.toml", "path to the TOML configuration")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newInvokeCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newValidateCommand(opts))
	return root
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		if _, ok := logging.ParseLevel(o.logLevel); !ok {
			return config.Config{}, zerolog.Nop(), fmt.Errorf("invalid --log-level %q", o.logLevel)
		}
		cfg.Log.Level = o.logLevel
	}
	return cfg, logging.New(cfg.Log, os.Stderr), nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var statusInterval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker and keep it running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			h, err := startHost(ctx, cfg, log, opts.metricsAddr)
			if err != nil {
				return err
			}
			defer h.close()

			var tick <-chan time.Time
			if statusInterval > 0 {
				ticker := time.NewTicker(statusInterval)
				defer ticker.Stop()
				tick = ticker.C
			}
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("shutting down")
					return nil
				case <-tick:
					st, err := h.ch.GetStatus(ctx)
					if err != nil {
						log.Warn().Err(err).Msg("worker status failed")
						continue
					}
					log.Info().Bool("ready", st.IsReady).Stringer("state", st.State).Dur("latency", st.Latency).Msg("worker status")
				}
			}
		},
	}
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 0, "log worker status on this interval")
	return cmd
}

func newInvokeCommand(opts *rootOptions) *cobra.Command {
	var (
		functionID string
		inputs     []string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Start the worker, run one invocation and print its outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindings, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			h, err := startHost(ctx, cfg, log, opts.metricsAddr)
			if err != nil {
				return err
			}
			defer h.close()

			ictx, icancel := context.WithTimeout(ctx, timeout)
			defer icancel()
			res, err := h.ch.Invoke(ictx, &workerchan.Invocation{
				ID:         uuid.NewString(),
				FunctionID: functionID,
				Inputs:     bindings,
			})
			if err != nil {
				return fmt.Errorf("invoking %s: %w", functionID, err)
			}
			printOutputs(cmd.OutOrStdout(), res.Outputs, res.Return)
			return nil
		},
	}
	cmd.Flags().StringVarP(&functionID, "function", "f", "", "id of the function to invoke")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input binding as name=value, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "invocation timeout")
	_ = cmd.MarkFlagRequired("function")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Start the worker and print its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			h, err := startHost(cmd.Context(), cfg, log, opts.metricsAddr)
			if err != nil {
				return err
			}
			defer h.close()

			st, err := h.ch.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d functions)\n", opts.configPath, len(cfg.Functions))
			return nil
		},
	}
}

// parseInputs turns name=value flags into invocation inputs, keeping order.
func parseInputs(raw []string) ([]workerchan.Input, error) {
	out := make([]workerchan.Input, 0, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --input %q, expected name=value", kv)
		}
		out = append(out, workerchan.Input{Name: name, Data: []byte(value)})
	}
	return out, nil
}

func printOutputs(w io.Writer, outputs map[string][]byte, ret []byte) {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, outputs[name])
	}
	if len(ret) > 0 {
		fmt.Fprintf(w, "$return: %s\n", ret)
	}
}

func printStatus(w io.Writer, st workerchan.WorkerStatus) {
	fmt.Fprintf(w, "ready:   %t\n", st.IsReady)
	fmt.Fprintf(w, "state:   %s\n", st.State)
	if st.Latency > 0 {
		fmt.Fprintf(w, "latency: %s\n", st.Latency)
	}
	names := make([]string, 0, len(st.Capabilities))
	for name := range st.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "capability %s=%s\n", name, st.Capabilities[name])
	}
}
