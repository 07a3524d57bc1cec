package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mgmtagent/internal/infra/rpc"
)

func newInfoCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show runtime information of the remote process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), opts, func(ctx context.Context, client *rpc.Client) error {
				info, err := client.Info(ctx)
				if err != nil {
					return err
				}
				return printInfo(cmd.OutOrStdout(), info, opts.jsonOutput)
			})
		},
	}
}

func newMetricsCmd(opts *cliOptions) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Gather metric families from the remote process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), opts, func(ctx context.Context, client *rpc.Client) error {
				families, err := client.Gather(ctx)
				if err != nil {
					return err
				}
				return printMetrics(cmd.OutOrStdout(), filterFamilies(families, prefix), opts.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only families whose name starts with this prefix")
	return cmd
}

func newInvokeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <operation> [key=value...]",
		Short: "Invoke a runtime operation on the remote process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operationArgs, err := parseInvokeArgs(args[1:])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), opts, func(ctx context.Context, client *rpc.Client) error {
				result, err := client.Invoke(ctx, args[0], operationArgs)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), result, opts.jsonOutput)
			})
		},
	}
}

func newRegistryCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the name registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List endpoints bound in the registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := rpc.ListRegistry(cmd.Context(), resolveLocator(opts), clientConfig(opts))
			if err != nil {
				return exitFor(err)
			}
			return printEntries(cmd.OutOrStdout(), entries, opts.jsonOutput)
		},
	})
	return cmd
}

// parseInvokeArgs reads key=value pairs. Values that parse as booleans or
// numbers are sent typed.
func parseInvokeArgs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", item)
		}
		out[strings.TrimSpace(key)] = typedValue(value)
	}
	return out, nil
}

func typedValue(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
