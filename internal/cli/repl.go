package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/hession/mnemo/internal/chat"
	"github.com/hession/mnemo/internal/config"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// Run builds the application and runs the interactive chat until the user
// exits. With resume set the most recent stored conversation is loaded first.
func Run(cfg *config.Config, logger *zap.Logger, version string, resume bool) error {
	out := os.Stdout
	printWelcome(out, version)

	if !cfg.IsAPIKeyConfigured() {
		fmt.Fprintf(out, "%s⚠️  No API key configured. Set %s or add it to %s%s\n\n",
			colorYellow, config.EnvAPIKey, config.SecretsPath(cfg.Dir), colorReset)
	}

	r := newRenderer(out)
	app, err := NewApp(cfg, logger, chat.WithUpdateHandler(r.Update))
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := context.Background()
	rp := newREPL(app, r, out)
	if resume {
		fmt.Fprintln(out, rp.commands.Resume(ctx))
		fmt.Fprintln(out)
	}
	return rp.run(ctx)
}

func printWelcome(w io.Writer, version string) {
	fmt.Fprintf(w, "\n%s🧠 mnemo v%s%s - chat that remembers\n", colorCyan, version, colorReset)
	fmt.Fprintf(w, "%sType /help for help, /exit to quit%s\n\n", colorGray, colorReset)
}

type repl struct {
	app      *App
	commands *Commands
	render   *renderer
	out      io.Writer
}

func newREPL(app *App, r *renderer, out io.Writer) *repl {
	return &repl{
		app:      app,
		commands: NewCommands(app.Chat, app.History, app.Memory, app.Config),
		render:   r,
		out:      out,
	}
}

func (r *repl) run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            colorGreen + "You: " + colorReset,
		HistoryFile:       filepath.Join(r.app.Config.Dir, "input_history"),
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		AutoComplete:      commandCompleter(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	var multiLine strings.Builder
	inMultiLine := false

	for {
		if inMultiLine {
			rl.SetPrompt(colorGray + "...  " + colorReset)
		} else {
			rl.SetPrompt(colorGreen + "You: " + colorReset)
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					continue
				}
				fmt.Fprintf(r.out, "%sType /exit to quit%s\n", colorYellow, colorReset)
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintf(r.out, "\n%sGoodbye!%s\n", colorCyan, colorReset)
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		if inMultiLine {
			if line != "" {
				multiLine.WriteString(line)
				multiLine.WriteString("\n")
				continue
			}
			inMultiLine = false
			input := strings.TrimSpace(multiLine.String())
			multiLine.Reset()
			if input != "" {
				r.turn(ctx, func(ctx context.Context) error { return r.app.Chat.SendMessage(ctx, input) })
			}
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasSuffix(input, "\\") {
			inMultiLine = true
			multiLine.WriteString(strings.TrimSuffix(input, "\\"))
			multiLine.WriteString("\n")
			fmt.Fprintf(r.out, "%s(Multi-line mode: press Enter twice to submit, Ctrl+C to cancel)%s\n", colorGray, colorReset)
			continue
		}

		if strings.HasPrefix(input, "/") {
			if r.command(ctx, input) == ActionExit {
				return nil
			}
			continue
		}

		r.turn(ctx, func(ctx context.Context) error { return r.app.Chat.SendMessage(ctx, input) })
	}
}

func commandCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/help"),
		readline.PcItem("/new"),
		readline.PcItem("/clear"),
		readline.PcItem("/retry"),
		readline.PcItem("/conversations"),
		readline.PcItem("/load"),
		readline.PcItem("/memory",
			readline.PcItem("stats"),
			readline.PcItem("search"),
			readline.PcItem("list", readline.PcItem("here")),
			readline.PcItem("forget"),
			readline.PcItem("clear", readline.PcItem("confirm")),
		),
		readline.PcItem("/config"),
		readline.PcItem("/exit"),
	)
}

// command runs a slash command and reports what the loop should do next.
func (r *repl) command(ctx context.Context, input string) Action {
	out, action := r.commands.Handle(ctx, input)
	if out != "" {
		fmt.Fprintln(r.out, out)
	}
	if action == ActionRetry {
		r.turn(ctx, r.app.Chat.RetryLastMessage)
	}
	return action
}

// turn runs send while Ctrl+C cancels the turn instead of exiting.
func (r *repl) turn(ctx context.Context, send func(context.Context) error) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sig:
			r.app.Chat.Cancel()
		case <-done:
		}
	}()

	r.render.Begin()
	err := send(ctx)
	r.render.End(err)
}
