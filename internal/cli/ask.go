// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command for rigchat.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCommand(a *app) *cobra.Command {
	var conversation string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the reply",
		Long: `Ask a single question and stream the reply to stdout.

With no arguments, or "-", the question is read from stdin.

Examples:
  rigchat ask "What's the weather like?"
  echo "Summarize this" | rigchat ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := readQuestion(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.runAsk(cmd.Context(), question, conversation)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (default chat.conversation_id)")
	return cmd
}

// readQuestion joins args, falling back to stdin.
func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	question := strings.TrimSpace(string(data))
	if question == "" {
		return "", errors.New("no question given")
	}
	return question, nil
}

func (a *app) runAsk(ctx context.Context, question, conversation string) error {
	if conversation != "" {
		a.cfg.Chat.ConversationID = conversation
	}
	a.cfg.Chat.Greeting = ""

	s, err := a.newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	renderer := NewRenderer(a.stdout, RenderOptions{})
	detach := renderer.Attach(s.ctrl.Store())
	defer detach()

	if err := a.load(ctx, s); err != nil {
		return err
	}

	turn, err := s.ctrl.SendText(ctx, question)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	select {
	case <-turn.Done():
	case <-sigCtx.Done():
		s.ctrl.CancelActive()
		<-turn.Done()
	}

	outcome, _ := turn.Outcome()
	if !outcome.Completed() {
		return fmt.Errorf("no reply: %s", outcome.Description())
	}
	return nil
}
