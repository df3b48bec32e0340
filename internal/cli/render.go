// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Prints message store changes as they happen.

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// RenderOptions configures a Renderer.
type RenderOptions struct {
	// Markdown renders each finished reply with glamour instead of
	// streaming raw tokens.
	Markdown bool

	// Width is the markdown word wrap width.
	Width int

	// Label prefixes replies with "bot>".
	Label bool

	// EchoUser prints user messages as well.
	EchoUser bool
}

// Renderer writes new and growing messages to out. Replies stream token by
// token; status messages are printed once.
type Renderer struct {
	out      io.Writer
	opts     RenderOptions
	markdown *glamour.TermRenderer

	mu      sync.Mutex
	printed map[string]string
	done    map[string]bool
}

// NewRenderer creates a renderer writing to out.
func NewRenderer(out io.Writer, opts RenderOptions) *Renderer {
	r := &Renderer{
		out:     out,
		opts:    opts,
		printed: make(map[string]string),
		done:    make(map[string]bool),
	}
	if opts.Markdown {
		width := opts.Width
		if width <= 0 {
			width = DefaultTerminalWidth
		}
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width-4),
		)
		if err == nil {
			r.markdown = md
		}
	}
	return r
}

// Attach renders the current contents of store and every later change. The
// returned function stops rendering.
func (r *Renderer) Attach(store *model.Store) (detach func()) {
	unsubscribe := store.Subscribe(func() {
		r.Render(store.Snapshot())
	})
	r.Render(store.Snapshot())
	return unsubscribe
}

// Render prints whatever in snapshot has not been printed yet. snapshot is
// newest first, as returned by Store.Snapshot.
func (r *Renderer) Render(snapshot []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		msg := snapshot[i]
		seen[msg.ID] = struct{}{}
		if r.done[msg.ID] {
			continue
		}

		switch {
		case msg.Author == model.AuthorUser:
			if r.opts.EchoUser {
				fmt.Fprintf(r.out, "%s %s\n", PromptStyle.Render("you>"), msg.Text)
			}
			r.done[msg.ID] = true
		case msg.IsStatus():
			fmt.Fprintln(r.out, NoticeStyle.Render(msg.Text))
			r.done[msg.ID] = true
		default:
			r.renderReply(msg)
		}
	}

	// Forget pruned messages.
	for id := range r.done {
		if _, ok := seen[id]; !ok {
			delete(r.done, id)
		}
	}
	for id := range r.printed {
		if _, ok := seen[id]; !ok {
			delete(r.printed, id)
		}
	}
}

func (r *Renderer) renderReply(msg model.Message) {
	if r.markdown != nil {
		if msg.Streaming {
			return
		}
		r.writeLabel()
		out, err := r.markdown.Render(msg.Text)
		if err != nil {
			out = msg.Text + "\n"
		}
		fmt.Fprint(r.out, out)
	} else {
		prev, started := r.printed[msg.ID]
		if !started {
			if msg.Text == "" && msg.Streaming {
				return
			}
			r.writeLabel()
		}

		if strings.HasPrefix(msg.Text, prev) {
			fmt.Fprint(r.out, msg.Text[len(prev):])
		} else {
			fmt.Fprint(r.out, "\n"+msg.Text)
		}
		r.printed[msg.ID] = msg.Text

		if msg.Streaming {
			return
		}
		fmt.Fprintln(r.out)
	}

	if msg.Metadata.Timings != "" {
		fmt.Fprintln(r.out, DimStyle.Render(msg.Metadata.Timings))
	}
	r.done[msg.ID] = true
}

func (r *Renderer) writeLabel() {
	if r.opts.Label {
		fmt.Fprint(r.out, AssistantStyle.Render("bot>")+" ")
	}
}
