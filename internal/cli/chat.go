// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for rigchat.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /new                Start a new conversation
//   /history [n]        Show the last n messages
//   /clear, /c          Clear the screen history
//   /reload             Reload the model
//   /stop               Stop the current reply
//   /stats, /s          Show run statistics
//   /quit, /q           Exit chat
//   Ctrl+C              Stop the current reply
//   Ctrl+D              Exit chat

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/logging"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

const defaultHistoryCount = 10

func newChatCommand(a *app) *cobra.Command {
	var conversation string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session with the configured model.

Replies stream as they are generated. Ctrl+C stops a reply, Ctrl+D exits.
Changes to the [sampling] section of the config file apply to the next
message without restarting.

Examples:
  rigchat chat
  rigchat chat --model ~/models/phi-3-mini.gguf
  rigchat chat --conversation travel`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd.Context(), conversation)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (default chat.conversation_id)")
	return cmd
}

// runChat runs the REPL alongside the config watcher until the user quits.
func (a *app) runChat(ctx context.Context, conversation string) error {
	if conversation != "" {
		a.cfg.Chat.ConversationID = conversation
	}

	s, err := a.newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	renderer := NewRenderer(a.stdout, RenderOptions{
		Markdown: isTerminalWriter(a.stdout) && ColorsEnabled(),
		Width:    GetTerminalWidth(),
		Label:    true,
	})
	detach := renderer.Attach(s.ctrl.Store())
	defer detach()

	a.printWelcome()
	if err := a.load(ctx, s); err != nil {
		fmt.Fprintln(a.stdout, DimStyle.Render("Fix the [engine] settings, then type /reload."))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if exists(a.cfgPath) {
		w := config.NewWatcher(a.cfgPath, a.applyReload(s.ctrl), config.WithLogger(a.logger))
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				a.logger.Warn("config watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	r := newREPL(a, s)
	g.Go(func() error {
		defer cancel()
		return r.run(gctx)
	})

	return g.Wait()
}

// applyReload pushes a reloaded configuration into the running session.
func (a *app) applyReload(ctrl *chat.Controller) func(*config.Config) {
	return func(cfg *config.Config) {
		sampling, err := cfg.Sampling.Inference(filepath.Dir(a.cfgPath))
		if err != nil {
			a.logger.Warn("ignoring sampling change", zap.Error(err))
			return
		}
		ctrl.SetSampling(sampling)
		a.logger.Info("sampling updated from config")

		if a.logLevel == "" && !a.verbose {
			if err := logging.SetLevel(a.level, cfg.Log.Level); err != nil {
				a.logger.Warn("ignoring log level change", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// REPL
// =============================================================================

// repl reads input with line editing and history.
type repl struct {
	app         *app
	session     *session
	out         io.Writer
	line        *liner.State
	historyFile string
	started     time.Time
}

func newREPL(a *app, s *session) *repl {
	historyFile := filepath.Join(os.TempDir(), "rigchat_history")
	if dir, err := config.ConfigDir(); err == nil {
		historyFile = filepath.Join(dir, "chat_history")
	}
	return &repl{
		app:         a,
		session:     s,
		out:         a.stdout,
		historyFile: historyFile,
		started:     time.Now(),
	}
}

func (r *repl) run(ctx context.Context) error {
	r.line = liner.NewLiner()
	r.line.SetCtrlCAborts(true)
	defer r.close()
	r.loadHistory()

	// Ctrl+C outside the prompt stops the reply being generated.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for range sigCh {
			if r.session.ctrl.CancelActive() {
				fmt.Fprintln(r.out, "\n"+NoticeStyle.Render("[Stopping]"))
			}
		}
	}()

	for {
		input, err := r.line.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				r.printGoodbye(ctx)
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := r.command(ctx, input)
			if err != nil {
				fmt.Fprintf(r.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if quit {
				r.printGoodbye(ctx)
				return nil
			}
			continue
		}

		if err := r.send(ctx, input); err != nil {
			fmt.Fprintf(r.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	}
}

// send submits input and waits for the reply to finish rendering.
func (r *repl) send(ctx context.Context, input string) error {
	turn, err := r.session.ctrl.SendText(ctx, input)
	switch {
	case errors.Is(err, chat.ErrNoContext):
		return errors.New("no model loaded, type /reload to try again")
	case err != nil:
		return err
	}

	_, err = turn.Wait(ctx)
	return err
}

func (r *repl) loadHistory() {
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
}

func (r *repl) close() {
	var buf bytes.Buffer
	if _, err := r.line.WriteHistory(&buf); err == nil {
		if err := util.WriteFileAtomic(r.historyFile, buf.Bytes(), 0600, 0700); err != nil {
			r.app.logger.Warn("failed to save input history", zap.Error(err))
		}
	}
	r.line.Close()
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// command runs a slash command and reports whether the REPL should exit.
func (r *repl) command(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	name := strings.ToLower(parts[0])
	args := parts[1:]
	ctrl := r.session.ctrl

	switch name {
	case "/help", "/h", "/?", "/":
		r.printHelp()

	case "/new":
		id := ctrl.NewConversation()
		fmt.Fprintf(r.out, "%s %s\n", SuccessStyle.Render("[New conversation]"), DimStyle.Render(id))

	case "/history":
		n := defaultHistoryCount
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return false, fmt.Errorf("invalid count: %s", args[0])
			}
			n = v
		}
		r.printHistory(ctrl.Messages(), n)

	case "/clear", "/c":
		ctrl.Store().Clear()
		fmt.Fprintln(r.out, SuccessStyle.Render("[History cleared]"))

	case "/reload":
		if err := r.app.load(ctx, r.session); err != nil {
			return false, err
		}

	case "/stop":
		if !ctrl.CancelActive() {
			fmt.Fprintln(r.out, DimStyle.Render("Nothing to stop."))
		}

	case "/stats", "/s":
		return false, r.printStats(ctx)

	case "/quit", "/q", "/exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type /help for commands)", name)
	}
	return false, nil
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func (a *app) printWelcome() {
	fmt.Fprintln(a.stdout, TitleStyle.Render("rigchat"))
	fmt.Fprintln(a.stdout, RenderSeparator(30))
	modelPath := a.cfg.Engine.ModelPath
	if modelPath == "" {
		modelPath = "(server default)"
	}
	fmt.Fprintf(a.stdout, "%s%s\n", RenderLabel("Model:"), ValueStyle.Render(modelPath))
	fmt.Fprintf(a.stdout, "%s%s\n", RenderLabel("Server:"), ValueStyle.Render(a.cfg.Engine.BaseURL))
	fmt.Fprintf(a.stdout, "%s%s\n", RenderLabel("Conversation:"), ValueStyle.Render(a.cfg.Chat.ConversationID))
	fmt.Fprintln(a.stdout, DimStyle.Render("Type a message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(a.stdout)
}

func (r *repl) printHelp() {
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/new", "Start a new conversation"},
		{"/history [n]", "Show the last n messages"},
		{"/clear, /c", "Clear message history"},
		{"/reload", "Reload the model"},
		{"/stop", "Stop the current reply"},
		{"/stats, /s", "Show run statistics"},
		{"/quit, /q", "Exit chat"},
	}

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, TitleStyle.Render("Available Commands"))
	fmt.Fprintln(r.out, RenderSeparator(20))
	for _, c := range commands {
		fmt.Fprintf(r.out, "  %s  %s\n", SuccessStyle.Render(fmt.Sprintf("%-15s", c.cmd)), DimStyle.Render(c.desc))
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, DimStyle.Render("Tip: Ctrl+C stops the current reply, Ctrl+D exits"))
	fmt.Fprintln(r.out)
}

// printHistory prints the newest n messages oldest first.
func (r *repl) printHistory(msgs []model.Message, n int) {
	if len(msgs) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("[No messages yet]"))
		return
	}
	if n > len(msgs) {
		n = len(msgs)
	}

	width := GetTerminalWidth() - 16
	for i := n - 1; i >= 0; i-- {
		msg := msgs[i]
		var who string
		switch {
		case msg.Author == model.AuthorUser:
			who = PromptStyle.Render(fmt.Sprintf("%-6s", "you"))
		case msg.IsStatus():
			who = NoticeStyle.Render(fmt.Sprintf("%-6s", "status"))
		default:
			who = AssistantStyle.Render(fmt.Sprintf("%-6s", "bot"))
		}
		fmt.Fprintf(r.out, "  %s %s %s\n",
			DimStyle.Render(msg.CreatedAt.Format("15:04")), who, msg.Preview(width))
	}
}

func (r *repl) printStats(ctx context.Context) error {
	fmt.Fprintf(r.out, "%s%s\n", RenderLabel("Conversation:"), r.session.ctrl.ConversationID())
	fmt.Fprintf(r.out, "%s%s\n", RenderLabel("Context:"), r.session.ctrl.ContextID())
	fmt.Fprintf(r.out, "%s%d\n", RenderLabel("Messages:"), r.session.ctrl.Store().Len())
	fmt.Fprintf(r.out, "%s%s\n", RenderLabel("Session:"), time.Since(r.started).Round(time.Second))
	if r.session.runlog == nil {
		return nil
	}
	sum, err := r.session.runlog.Summary(ctx)
	if err != nil {
		return err
	}
	printSummary(r.out, sum)
	return nil
}

func (r *repl) printGoodbye(ctx context.Context) {
	if r.session.runlog != nil {
		if sum, err := r.session.runlog.Summary(ctx); err == nil && sum.Runs > 0 {
			fmt.Fprintf(r.out, "%s\n", DimStyle.Render(fmt.Sprintf("%d runs recorded, %d tokens generated", sum.Runs, sum.Tokens)))
		}
	}
	fmt.Fprintln(r.out, DimStyle.Render("Goodbye!"))
}
