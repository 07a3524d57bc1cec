package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"mgmtagent/internal/app"
	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/journal"
)

type serveOptions struct {
	configPath   string
	agentArgs    string
	registryPort int
	dataPort     int
	bindAddress  string
	publicHost   string
	tlsEnabled   bool
	policy       string
	autoShutdown bool
	development  bool
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(app.ExitCode(err))
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := serveOptions{
		registryPort: domain.DefaultRegistryPort,
		policy:       string(domain.DefaultRegistryPolicy),
	}

	root := &cobra.Command{
		Use:          "mgmtd",
		Short:         "Remote management endpoint for Go processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to endpoint config file")
	flags.StringVar(&opts.agentArgs, "agent-args", "", "agent arguments (port=..,host=..,user=..,password=..)")
	flags.IntVar(&opts.registryPort, "port", opts.registryPort, "registry port")
	flags.IntVar(&opts.dataPort, "data-port", 0, "data port (0 shares the registry port)")
	flags.StringVar(&opts.bindAddress, "bind", "", "bind only this IP address")
	flags.StringVar(&opts.publicHost, "host", "", "public host name advertised to clients")
	flags.BoolVar(&opts.tlsEnabled, "tls", false, "enable TLS on both ports")
	flags.StringVar(&opts.policy, "policy", opts.policy, "registry policy (probe or create)")
	flags.BoolVar(&opts.autoShutdown, "auto-shutdown", false, "stop once all significant units have exited")
	flags.BoolVar(&opts.development, "dev", false, "human-readable development logging")

	root.AddCommand(
		newServeCmd(&opts),
		newRunCmd(&opts),
		newValidateCmd(&opts),
		newJournalCmd(&opts),
	)
	return root
}

func newLogger(opts *serveOptions) (*zap.Logger, error) {
	if opts.development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// overrides applies only the flags that were set explicitly, so file and
// agent-argument values survive unset flags.
func overrides(cmd *cobra.Command, opts *serveOptions) func(*domain.EndpointConfig) {
	return func(cfg *domain.EndpointConfig) {
		cmd.Flags().Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "port":
				cfg.RegistryPort = opts.registryPort
			case "data-port":
				cfg.DataPort = opts.dataPort
			case "bind":
				cfg.BindAddress = opts.bindAddress
			case "host":
				cfg.PublicHostName = opts.publicHost
			case "tls":
				cfg.TLS.Enabled = opts.tlsEnabled
			case "policy":
				cfg.RegistryPolicy = domain.RegistryPolicy(opts.policy)
			case "auto-shutdown":
				cfg.AutoShutdown = opts.autoShutdown
			}
		})
	}
}

func newServeCmd(opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the management endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApplication(cmd, opts, nil)
		},
	}
}

func newRunCmd(opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command with the management endpoint open until it exits",
		Long: "Starts the management endpoint, runs the command as a child process and\n" +
			"closes the endpoint once the command exits. The exit status is passed through.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApplication(cmd, opts, args)
		},
	}
}

func runApplication(cmd *cobra.Command, opts *serveOptions, command []string) error {
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalAwareContext(cmd.Context())
	defer cancel()

	// The child owns stdout, so run reports on stderr.
	diagnostics := cmd.OutOrStdout()
	if len(command) > 0 {
		diagnostics = cmd.ErrOrStderr()
	}
	application, cleanup, err := app.InitializeApplication(ctx, app.ServeConfig{
		ConfigPath:  opts.configPath,
		AgentArgs:   opts.agentArgs,
		Override:    overrides(cmd, opts),
		Diagnostics: diagnostics,
		Command:     command,
		Stdin:       cmd.InOrStdin(),
		Stdout:      cmd.OutOrStdout(),
		Stderr:      cmd.ErrOrStderr(),
	}, app.LoggingConfig{Logger: logger})
	if err != nil {
		return err
	}
	defer cleanup()
	return application.Run()
}

func newValidateCmd(opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Resolve and print the endpoint configuration without binding",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(cmd.Context(), opts.configPath, opts.agentArgs, overrides(cmd, opts), zap.NewNop())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func newJournalCmd(opts *serveOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print recent endpoint lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(cmd.Context(), opts.configPath, opts.agentArgs, overrides(cmd, opts), zap.NewNop())
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return fmt.Errorf("journalPath is not configured")
			}
			j, err := journal.Open(cfg.JournalPath, 0)
			if err != nil {
				return err
			}
			defer j.Close()

			records, err := j.List(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range records {
				line := fmt.Sprintf("%s %-12s %s registry=%d data=%d", rec.Time.Format("2006-01-02T15:04:05Z07:00"), rec.Event, rec.Endpoint, rec.RegistryPort, rec.DataPort)
				if rec.Error != "" {
					line += " error=" + rec.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records (0 for all)")
	return cmd
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
