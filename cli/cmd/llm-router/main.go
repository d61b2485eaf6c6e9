// llm-router is the command-line client for an LLM router.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/petal-labs/llmrouter/cli/commands"
)

// ExitCoder is an interface for errors that have an exit code.
type ExitCoder interface {
	ExitCode() int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.NewApp().ExecuteContext(ctx, nil)
	stop()
	if err != nil {
		if ec, ok := err.(ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}
