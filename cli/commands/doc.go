// Package commands implements the llm-router command tree using Cobra.
package commands
