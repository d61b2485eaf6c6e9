package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/llmrouter/core"
)

// inferFlags are the generation flags shared by infer and chat.
type inferFlags struct {
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	stop        []string
	stream      bool
}

func (f *inferFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.model, "model", "", "model id (default: router default or config default_model)")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "max tokens to generate (0 = router default)")
	cmd.Flags().Float64Var(&f.temperature, "temperature", -1, "sampling temperature in [0, 2] (default: router default)")
	cmd.Flags().Float64Var(&f.topP, "top-p", -1, "nucleus sampling in [0, 1] (default: router default)")
	cmd.Flags().StringSliceVar(&f.stop, "stop", nil, "stop sequences")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "stream tokens as they are generated")
}

func (a *App) requestOptions(f *inferFlags) []core.RequestOption {
	var opts []core.RequestOption
	model := f.model
	if model == "" && a.cfg != nil {
		model = a.cfg.DefaultModel
	}
	if model != "" {
		opts = append(opts, core.WithModel(core.ModelID(model)))
	}
	if f.maxTokens > 0 {
		opts = append(opts, core.WithMaxTokens(f.maxTokens))
	}
	if f.temperature >= 0 {
		opts = append(opts, core.WithTemperature(f.temperature))
	}
	if f.topP >= 0 {
		opts = append(opts, core.WithTopP(f.topP))
	}
	if len(f.stop) > 0 {
		opts = append(opts, core.WithStopSequences(f.stop...))
	}
	return opts
}

func (a *App) newInferCommand() *cobra.Command {
	var flags inferFlags
	cmd := &cobra.Command{
		Use:   "infer <prompt>",
		Short: "Run a single inference",
		Long: `Send one prompt to the router and print the completion. Use "-" to
read the prompt from stdin.

Examples:
  llm-router infer "What is the capital of France?" --max-tokens 100
  llm-router infer "Tell me a story" --model llama-7b --stream
  echo "Summarize this" | llm-router infer - --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "-" {
				b, err := io.ReadAll(a.stdin)
				if err != nil {
					return exitWithCode(ExitValidation, fmt.Errorf("read prompt: %w", err))
				}
				prompt = strings.TrimSpace(string(b))
			}
			req := core.NewInferenceRequest(prompt, a.requestOptions(&flags)...)
			if err := req.Validate(); err != nil {
				return err
			}

			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				if flags.stream {
					return a.streamInference(ctx, c, req)
				}
				resp, err := c.Inference(ctx, req)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(resp)
				}
				fmt.Fprintln(a.stdout, resp.Text)
				a.logUsage(resp.Usage)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// streamInference prints tokens as they arrive. With --json the stream is
// drained and printed as one response.
func (a *App) streamInference(ctx context.Context, c *core.Client, req core.InferenceRequest) error {
	s, err := c.StreamInference(ctx, req)
	if err != nil {
		return err
	}
	if a.jsonOutput {
		resp, err := core.DrainStream(s)
		if err != nil {
			return err
		}
		return a.printJSON(resp)
	}

	_, err = a.printStream(s)
	return err
}

// printStream writes tokens to stdout and returns the assembled text.
func (a *App) printStream(s *core.InferenceStream) (string, error) {
	var text strings.Builder
	var usage *core.TokenUsage
	for chunk, err := range s.Chunks() {
		if err != nil {
			fmt.Fprintln(a.stdout)
			return text.String(), err
		}
		fmt.Fprint(a.stdout, chunk.Token)
		text.WriteString(chunk.Token)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	fmt.Fprintln(a.stdout)
	a.logUsage(usage)
	return text.String(), nil
}

func (a *App) logUsage(u *core.TokenUsage) {
	if u == nil {
		return
	}
	a.logger.Debug().
		Int("prompt_tokens", u.PromptTokens).
		Int("completion_tokens", u.CompletionTokens).
		Int("total_tokens", u.TotalTokens).
		Msg("usage")
}
