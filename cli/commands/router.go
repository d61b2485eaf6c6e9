package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/llmrouter/core"
)

func (a *App) newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check router health",
		Long: `Ask the router for its health report. Exits non-zero when the router
is unreachable or reports itself unhealthy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				h, err := c.Health(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if err := a.printJSON(h); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(a.stdout, "status:  %s\n", h.Status)
					if h.Version != "" {
						fmt.Fprintf(a.stdout, "version: %s\n", h.Version)
					}
					if h.UptimeSeconds > 0 {
						fmt.Fprintf(a.stdout, "uptime:  %s\n", (time.Duration(h.UptimeSeconds) * time.Second).String())
					}
					if h.Message != "" {
						fmt.Fprintf(a.stdout, "message: %s\n", h.Message)
					}
				}
				if !h.Healthy() {
					return &core.RouterError{Kind: core.ErrRouter, Op: string(core.OpHealth), Message: "router reports " + string(h.Status)}
				}
				return nil
			})
		},
	}
}

func (a *App) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show router status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(st)
				}
				printMap(a.stdout, st)
				return nil
			})
		},
	}
}

func (a *App) newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show router system metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				m, err := c.Metrics(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(m)
				}
				fmt.Fprintf(a.stdout, "cpu:             %.1f%%\n", m.CPUUsage)
				fmt.Fprintf(a.stdout, "memory:          %.1f%%\n", m.MemoryUsage)
				if m.GPUUsage != nil {
					fmt.Fprintf(a.stdout, "gpu:             %.1f%%\n", *m.GPUUsage)
				}
				fmt.Fprintf(a.stdout, "active requests: %d\n", m.ActiveRequests)
				fmt.Fprintf(a.stdout, "queued requests: %d\n", m.QueuedRequests)
				fmt.Fprintf(a.stdout, "loaded models:   %d\n", m.LoadedModels)
				if len(m.Models) > 0 {
					tw := a.table()
					fmt.Fprintln(tw, "MODEL\tREQUESTS\tTOKENS\tAVG LATENCY\tERRORS")
					for _, mm := range m.Models {
						fmt.Fprintf(tw, "%s\t%d\t%d\t%.1fms\t%d\n", mm.ModelID, mm.RequestCount, mm.TotalTokens, mm.AverageLatencyMS, mm.ErrorCount)
					}
					return tw.Flush()
				}
				return nil
			})
		},
	}
}
