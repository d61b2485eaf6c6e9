package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/llmrouter/core"
)

func (a *App) newBatchCommand() *cobra.Command {
	var (
		flags         inferFlags
		maxConcurrent int
		batchTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Run many prompts with bounded concurrency",
		Long: `Run every prompt in a file and print the results in input order.

The file is a JSON array of requests (.json), or one request per line:
either a JSON object such as {"prompt": "...", "model_id": "..."} or a
plain-text prompt. Use "-" to read from stdin. Generation flags apply
to requests that do not set their own values.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := a.readBatch(args[0])
			if err != nil {
				return exitWithCode(ExitValidation, err)
			}
			defaults := core.NewInferenceRequest("", a.requestOptions(&flags)...)
			for i := range reqs {
				applyDefaults(&reqs[i], defaults)
			}
			b := core.BatchRequest{Requests: reqs, MaxConcurrent: maxConcurrent, Timeout: batchTimeout}
			if err := b.Validate(); err != nil {
				return err
			}

			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				res, err := c.Batch(ctx, b)
				if err != nil {
					return err
				}
				if err := a.printBatch(res); err != nil {
					return err
				}
				if res.Failed > 0 {
					var first error
					for _, e := range res.Errors() {
						if e != nil {
							first = e
							break
						}
					}
					return &core.RouterError{
						Kind:    core.KindOf(first),
						Op:      "batch",
						Message: fmt.Sprintf("%d of %d requests failed", res.Failed, res.Total),
						Cause:   first,
					}
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", core.DefaultBatchConcurrency, fmt.Sprintf("requests in flight at once (1-%d)", core.MaxBatchConcurrency))
	batchTimeout = core.DefaultBatchTimeout
	cmd.Flags().Var((*secondsValue)(&batchTimeout), "batch-timeout", "deadline for the whole batch in seconds, or a duration like 2m")
	return cmd
}

func (a *App) readBatch(path string) ([]core.InferenceRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(a.stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return parseBatch(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// parseBatch reads a JSON array, or one prompt per line where a line
// starting with "{" is a JSON request.
func parseBatch(data []byte, array bool) ([]core.InferenceRequest, error) {
	trimmed := bytes.TrimSpace(data)
	if array || bytes.HasPrefix(trimmed, []byte("[")) {
		var reqs []core.InferenceRequest
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, fmt.Errorf("parse batch: %w", err)
		}
		return reqs, nil
	}

	var reqs []core.InferenceRequest
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var r core.InferenceRequest
			if err := json.Unmarshal([]byte(line), &r); err != nil {
				return nil, fmt.Errorf("parse batch line %d: %w", n, err)
			}
			reqs = append(reqs, r)
			continue
		}
		reqs = append(reqs, core.InferenceRequest{Prompt: line})
	}
	return reqs, sc.Err()
}

func applyDefaults(r *core.InferenceRequest, d core.InferenceRequest) {
	if r.Model == "" {
		r.Model = d.Model
	}
	o := &r.Options
	if o.MaxTokens == nil {
		o.MaxTokens = d.Options.MaxTokens
	}
	if o.Temperature == nil {
		o.Temperature = d.Options.Temperature
	}
	if o.TopP == nil {
		o.TopP = d.Options.TopP
	}
	if len(o.StopSequences) == 0 {
		o.StopSequences = d.Options.StopSequences
	}
}

type batchLine struct {
	Index     int     `json:"index"`
	Text      string  `json:"text,omitempty"`
	Model     string  `json:"model_id,omitempty"`
	Error     string  `json:"error,omitempty"`
	ErrorType string  `json:"error_type,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

func (a *App) printBatch(res *core.BatchResult) error {
	lines := make([]batchLine, len(res.Items))
	for i, it := range res.Items {
		l := batchLine{Index: it.Index, LatencyMS: float64(it.Latency.Microseconds()) / 1000}
		if it.Err != nil {
			l.Error = it.Err.Error()
			l.ErrorType = errorType(it.Err)
		} else if it.Response != nil {
			l.Text = it.Response.Text
			l.Model = string(it.Response.Model)
		}
		lines[i] = l
	}

	if a.jsonOutput {
		return a.printJSON(map[string]any{
			"results":        lines,
			"total":          res.Total,
			"successful":     res.Successful,
			"failed":         res.Failed,
			"total_time_ms":  res.TotalTime.Milliseconds(),
			"avg_latency_ms": res.AverageLatency.Milliseconds(),
		})
	}

	for _, l := range lines {
		if l.Error != "" {
			fmt.Fprintf(a.stdout, "[%d] error: %s\n", l.Index, l.Error)
			continue
		}
		fmt.Fprintf(a.stdout, "[%d] %s\n", l.Index, l.Text)
	}
	fmt.Fprintf(a.stdout, "\n%d/%d succeeded in %s (avg latency %s)\n",
		res.Successful, res.Total, res.TotalTime.Round(time.Millisecond), res.AverageLatency.Round(time.Millisecond))
	return nil
}
