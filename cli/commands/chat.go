package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/petal-labs/llmrouter/core"
)

const chatHelp = `Commands:
  /model <id>     switch model
  /system <text>  set the system message
  /reset          forget the conversation
  /history        show the conversation
  /exit           leave (also Ctrl-D)`

func (a *App) newChatCommand() *cobra.Command {
	var (
		flags  inferFlags
		system string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat. Each line you type is sent with the whole
conversation so far. Lines starting with "/" are commands:

` + chatHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *core.Client) error {
				s := &chatSession{app: a, client: c, flags: flags}
				if system != "" {
					s.history = append(s.history, core.ChatMessage{Role: core.RoleSystem, Content: system})
				}
				return s.run(ctx)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&system, "system", "", "system message")
	return cmd
}

type chatSession struct {
	app     *App
	client  *core.Client
	flags   inferFlags
	history []core.ChatMessage
}

func (s *chatSession) interactive() bool {
	f, ok := s.app.stdin.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (s *chatSession) run(ctx context.Context) error {
	a := s.app
	tty := s.interactive()
	if tty {
		fmt.Fprintln(a.stdout, `Type a message, "/help" for commands, Ctrl-D to exit.`)
	}

	sc := bufio.NewScanner(a.stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if tty {
			fmt.Fprint(a.stdout, "> ")
		}
		if !sc.Scan() {
			if tty {
				fmt.Fprintln(a.stdout)
			}
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := s.command(line); done {
				return nil
			}
			continue
		}

		if err := s.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return err
			}
			// A failed turn is reported and dropped; the session goes on.
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
		}
	}
}

// command handles a slash command and reports whether to leave.
func (s *chatSession) command(line string) bool {
	a := s.app
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/exit", "/quit":
		return true
	case "/reset":
		s.history = s.history[:0]
		fmt.Fprintln(a.stdout, "Conversation cleared.")
	case "/model":
		if arg == "" {
			fmt.Fprintf(a.stdout, "model: %s\n", orDash(s.flags.model))
			break
		}
		s.flags.model = arg
		fmt.Fprintf(a.stdout, "Using model %s.\n", arg)
	case "/system":
		kept := s.history[:0]
		for _, m := range s.history {
			if m.Role != core.RoleSystem {
				kept = append(kept, m)
			}
		}
		s.history = kept
		if arg != "" {
			s.history = append([]core.ChatMessage{{Role: core.RoleSystem, Content: arg}}, s.history...)
		}
	case "/history":
		for _, m := range s.history {
			fmt.Fprintf(a.stdout, "%s: %s\n", m.Role, m.Content)
		}
	default:
		fmt.Fprintln(a.stdout, chatHelp)
	}
	return false
}

func (s *chatSession) turn(ctx context.Context, line string) error {
	a := s.app
	messages := append(s.history, core.ChatMessage{Role: core.RoleUser, Content: line})
	opts := a.requestOptions(&s.flags)

	var reply string
	if s.flags.stream {
		st, err := s.client.StreamInference(ctx, core.NewInferenceRequest(core.ChatPrompt(messages), opts...))
		if err != nil {
			return err
		}
		text, err := a.printStream(st)
		if err != nil {
			return err
		}
		reply = text
	} else {
		resp, err := s.client.ChatCompletion(ctx, messages, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, resp.Text)
		a.logUsage(resp.Usage)
		reply = resp.Text
	}

	s.history = append(messages, core.ChatMessage{Role: core.RoleAssistant, Content: reply})
	return nil
}
