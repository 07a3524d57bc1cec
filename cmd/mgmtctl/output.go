package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/encoding/protojson"

	"mgmtagent/internal/infra/registry"
	"mgmtagent/internal/infra/rpc"
)

func writeJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printInfo(w io.Writer, info rpc.RemoteInfo, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, map[string]any{
			"endpoint":      info.Endpoint,
			"principal":     info.Principal,
			"pid":           info.PID,
			"goVersion":     info.GoVersion,
			"goroutines":    info.Goroutines,
			"numCPU":        info.NumCPU,
			"uptimeSeconds": info.Uptime.Seconds(),
			"hostName":      info.HostName,
		})
	}
	fmt.Fprintf(w, "endpoint:   %s\n", info.Endpoint)
	if info.Principal != "" {
		fmt.Fprintf(w, "principal:  %s\n", info.Principal)
	}
	fmt.Fprintf(w, "host:       %s\n", info.HostName)
	fmt.Fprintf(w, "pid:        %d\n", info.PID)
	fmt.Fprintf(w, "go:         %s\n", info.GoVersion)
	fmt.Fprintf(w, "goroutines: %d\n", info.Goroutines)
	fmt.Fprintf(w, "cpus:       %d\n", info.NumCPU)
	fmt.Fprintf(w, "uptime:     %s\n", info.Uptime)
	return nil
}

func filterFamilies(families []*dto.MetricFamily, prefix string) []*dto.MetricFamily {
	if prefix == "" {
		return families
	}
	out := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), prefix) {
			out = append(out, mf)
		}
	}
	return out
}

func printMetrics(w io.Writer, families []*dto.MetricFamily, jsonOutput bool) error {
	if jsonOutput {
		items := make([]json.RawMessage, 0, len(families))
		for _, mf := range families {
			data, err := protojson.Marshal(mf)
			if err != nil {
				return err
			}
			items = append(items, data)
		}
		return writeJSON(w, items)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func printResult(w io.Writer, result map[string]any, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, result)
	}
	keys := make([]string, 0, len(result))
	for key := range result {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := result[key]
		if text, ok := value.(string); ok && strings.Contains(text, "\n") {
			fmt.Fprintf(w, "%s:\n%s\n", key, text)
			continue
		}
		fmt.Fprintf(w, "%s: %v\n", key, value)
	}
	return nil
}

func printEntries(w io.Writer, entries []registry.Entry, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no endpoints bound")
		return nil
	}
	for _, entry := range entries {
		tls := ""
		if entry.TLS {
			tls = " tls"
		}
		fmt.Fprintf(w, "%s\t%s%s\n", entry.Name, entry.Address(), tls)
	}
	return nil
}
