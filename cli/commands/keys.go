package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/petal-labs/llmrouter/cli/keystore"
)

func (a *App) newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored router API keys",
		Long: `Manage router API keys stored in the encrypted keystore. Reference a
stored key from the config file with api_key_ref: <name>.`,
		Annotations: map[string]string{offlineAnnotation: "true"},
	}
	cmd.AddCommand(a.newKeysSetCommand())
	cmd.AddCommand(a.newKeysListCommand())
	cmd.AddCommand(a.newKeysDeleteCommand())
	return cmd
}

func (a *App) newKeysSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store an API key",
		Long:  `Store an API key under name. The key is read without echo.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			fmt.Fprintf(a.stderr, "Enter API key for %s: ", name)

			key, err := a.readSecret()
			if err != nil {
				return exitWithCode(ExitValidation, fmt.Errorf("failed to read key: %w", err))
			}
			if key == "" {
				return exitWithCode(ExitValidation, errors.New("API key cannot be empty"))
			}

			ks, err := a.newKeystore()
			if err != nil {
				return exitWithCode(ExitValidation, fmt.Errorf("failed to open keystore: %w", err))
			}
			if err := ks.Set(name, key); err != nil {
				return exitWithCode(ExitValidation, fmt.Errorf("failed to store key: %w", err))
			}
			fmt.Fprintf(a.stdout, "API key for %s stored.\n", name)
			return nil
		},
	}
}

// readSecret reads one line from stdin, without echo on a terminal.
func (a *App) readSecret() (string, error) {
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (a *App) newKeysListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored key names",
		Long:  `List stored key names. Key values are never shown.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := a.newKeystore()
			if err != nil {
				return exitWithCode(ExitValidation, fmt.Errorf("failed to open keystore: %w", err))
			}
			names, err := ks.List()
			if err != nil {
				return exitWithCode(ExitValidation, fmt.Errorf("failed to list keys: %w", err))
			}
			if a.jsonOutput {
				return a.printJSON(names)
			}
			if len(names) == 0 {
				fmt.Fprintln(a.stdout, "No API keys stored.")
				return nil
			}
			fmt.Fprintln(a.stdout, "Stored keys:")
			for _, name := range names {
				fmt.Fprintf(a.stdout, "  - %s\n", name)
			}
			return nil
		},
	}
}

func (a *App) newKeysDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ks, err := a.newKeystore()
			if err != nil {
				return exitWithCode(ExitValidation, fmt.Errorf("failed to open keystore: %w", err))
			}
			if err := ks.Delete(name); err != nil {
				var nf *keystore.ErrKeyNotFound
				if errors.As(err, &nf) {
					return exitWithCode(ExitNotFound, fmt.Errorf("no key stored for %s", name))
				}
				return exitWithCode(ExitValidation, fmt.Errorf("failed to delete key: %w", err))
			}
			fmt.Fprintf(a.stdout, "API key for %s deleted.\n", name)
			return nil
		},
	}
}
