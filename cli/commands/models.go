package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/llmrouter/core"
)

func (a *App) newModelsCommand() *cobra.Command {
	var includeUnloaded bool
	cmd := &cobra.Command{
		Use:     "models [id]",
		Aliases: []string{"model"},
		Short:   "List models, or show one model",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				if len(args) == 1 {
					m, err := c.GetModel(ctx, core.ModelID(args[0]))
					if err != nil {
						return err
					}
					if a.jsonOutput {
						return a.printJSON(m)
					}
					fmt.Fprintf(a.stdout, "id:      %s\n", m.ID)
					fmt.Fprintf(a.stdout, "name:    %s\n", orDash(m.Name))
					fmt.Fprintf(a.stdout, "format:  %s\n", orDash(string(m.Format)))
					fmt.Fprintf(a.stdout, "state:   %s\n", m.LoadState())
					if m.Source != "" {
						fmt.Fprintf(a.stdout, "source:  %s\n", m.Source)
					}
					if len(m.Capabilities) > 0 {
						fmt.Fprintf(a.stdout, "caps:    %s\n", strings.Join(m.Capabilities, ", "))
					}
					return nil
				}

				models, err := c.ListModels(ctx, includeUnloaded)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(models)
				}
				if len(models) == 0 {
					fmt.Fprintln(a.stdout, "No models.")
					return nil
				}
				tw := a.table()
				fmt.Fprintln(tw, "ID\tFORMAT\tSTATE\tSOURCE")
				for _, m := range models {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, orDash(string(m.Format)), m.LoadState(), orDash(m.Source))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&includeUnloaded, "include-unloaded", false, "also list models that are not loaded")
	return cmd
}

func (a *App) newLoadCommand() *cobra.Command {
	var (
		format string
		id     string
		name   string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "load <source>",
		Short: "Load a model into the router",
		Long: `Load a model artifact into the router.

Examples:
  llm-router load ./models/llama-7b.gguf --format gguf --id llama-7b
  llm-router load hf://TinyLlama/TinyLlama-1.1B --format huggingface`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := core.LoadModelRequest{
				Source:      args[0],
				Format:      core.ModelFormat(strings.ToLower(format)),
				ID:          core.ModelID(id),
				Name:        name,
				ForceReload: force,
			}
			if err := req.Validate(); err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				res, err := c.LoadModel(ctx, req)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(res)
				}
				return a.printLoadResult(res, "loaded")
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "model format (gguf, onnx, safetensors, huggingface, pytorch, tensorflow)")
	cmd.Flags().StringVar(&id, "id", "", "model id (default derived from the source)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&force, "force", false, "reload even if already loaded")
	return cmd
}

func (a *App) newUnloadCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unload <id>",
		Short: "Unload a model from the router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				res, err := c.UnloadModel(ctx, core.ModelID(args[0]), force)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(res)
				}
				return a.printLoadResult(res, "unloaded")
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "unload even with requests in flight")
	return cmd
}

// printLoadResult reports a load or unload. A result with Success false
// is a router-side refusal and fails the command.
func (a *App) printLoadResult(res *core.LoadModelResult, verb string) error {
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = res.Message
		}
		return &core.RouterError{Kind: core.ErrRouter, Message: msg}
	}
	if res.Model != nil {
		fmt.Fprintf(a.stdout, "Model %s %s.\n", res.Model.ID, verb)
	} else {
		fmt.Fprintln(a.stdout, orDash(res.Message))
	}
	return nil
}
