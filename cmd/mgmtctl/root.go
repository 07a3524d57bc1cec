package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/rpc"
)

type cliOptions struct {
	locator     string
	host        string
	port        int
	name        string
	tlsEnabled  bool
	tlsCAFile   string
	insecure    bool
	username    string
	password    string
	passwordEnv string
	timeout     time.Duration
	jsonOutput  bool
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{
		host:    "127.0.0.1",
		port:    domain.DefaultRegistryPort,
		name:    domain.DefaultEndpointName,
		timeout: 10 * time.Second,
	}

	root := &cobra.Command{
		Use:          "mgmtctl",
		Short:        "CLI client for mgmt endpoints",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateTargetFlags(cmd, &opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.locator, "locator", "", "service locator (overrides --host/--port/--name)")
	flags.StringVar(&opts.host, "host", opts.host, "registry host")
	flags.IntVar(&opts.port, "port", opts.port, "registry port")
	flags.StringVar(&opts.name, "name", opts.name, "endpoint name")
	flags.BoolVar(&opts.tlsEnabled, "tls", false, "use TLS")
	flags.StringVar(&opts.tlsCAFile, "tls-ca", "", "CA file used to verify the server")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip server certificate verification")
	flags.StringVar(&opts.username, "user", "", "username")
	flags.StringVar(&opts.password, "password", "", "password")
	flags.StringVar(&opts.passwordEnv, "password-env", "", "read the password from this environment variable")
	flags.DurationVar(&opts.timeout, "timeout", opts.timeout, "per-call timeout")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	root.AddCommand(
		newInfoCmd(&opts),
		newMetricsCmd(&opts),
		newInvokeCmd(&opts),
		newRegistryCmd(&opts),
	)
	return root
}

func validateTargetFlags(cmd *cobra.Command, opts *cliOptions) error {
	if opts.locator == "" {
		return nil
	}
	var conflicting []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host", "port", "name":
			conflicting = append(conflicting, "--"+f.Name)
		}
	})
	if len(conflicting) > 0 {
		return fmt.Errorf("--locator cannot be combined with %s", strings.Join(conflicting, ", "))
	}
	return nil
}

// resolveLocator returns the explicit locator or one built from host, port
// and name. Built locators always share the registry port.
func resolveLocator(opts *cliOptions) string {
	if opts.locator != "" {
		return opts.locator
	}
	scheme := domain.LocatorScheme
	if opts.tlsEnabled {
		scheme = domain.LocatorSchemeTLS
	}
	return domain.ServiceLocator{
		Transport:    domain.LocatorTransport,
		Scheme:       scheme,
		DataHost:     opts.host,
		DataPort:     opts.port,
		RegistryHost: opts.host,
		RegistryPort: opts.port,
		EndpointName: opts.name,
	}.String()
}

func clientConfig(opts *cliOptions) rpc.ClientConfig {
	password := opts.password
	if opts.passwordEnv != "" {
		password = os.Getenv(opts.passwordEnv)
	}
	return rpc.ClientConfig{
		Username: opts.username,
		Password: password,
		TLS: domain.TLSConfig{
			Enabled:            opts.tlsEnabled,
			CAFile:             opts.tlsCAFile,
			InsecureSkipVerify: opts.insecure,
		},
		Timeout: opts.timeout,
	}
}

func withClient(ctx context.Context, opts *cliOptions, fn func(context.Context, *rpc.Client) error) error {
	client, err := rpc.Dial(ctx, resolveLocator(opts), clientConfig(opts))
	if err != nil {
		return exitFor(err)
	}
	defer client.Close()
	return exitFor(fn(ctx, client))
}
