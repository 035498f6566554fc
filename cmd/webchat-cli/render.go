package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/zhouzirui/botline/internal/model/chat"
	"github.com/zhouzirui/botline/internal/model/surface"
)

type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	variant surface.Variant

	title  *color.Color
	user   *color.Color
	bot    *color.Color
	system *color.Color
	faint  *color.Color
}

func newRenderer(out io.Writer, variant surface.Variant) *renderer {
	return &renderer{
		out:     out,
		variant: variant,
		title:   color.New(color.FgCyan, color.Bold),
		user:    color.New(color.FgGreen),
		bot:     color.New(color.FgCyan),
		system:  color.New(color.FgYellow),
		faint:   color.New(color.Faint),
	}
}

func (r *renderer) header() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.title.Fprintln(r.out, r.variant.Title)
	if r.variant.Greeting != "" {
		r.faint.Fprintln(r.out, r.variant.Greeting)
	}
	if r.variant.Footer != "" {
		r.faint.Fprintln(r.out, r.variant.Footer)
	}
	fmt.Fprintln(r.out)
}

func (r *renderer) hint(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faint.Fprintf(r.out, "  (%s)\n", text)
}

func (r *renderer) event(event chat.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case chat.EventEntry:
		if event.Entry != nil {
			r.entry(*event.Entry)
		}
	case chat.EventState:
		if event.State == chat.StateConnecting {
			r.faint.Fprintln(r.out, "  connecting...")
		}
	case chat.EventReset:
		r.faint.Fprintln(r.out, "  --- conversation reset ---")
	}
}

func (r *renderer) entry(entry chat.Entry) {
	stamp := entry.Timestamp.Local().Format("15:04")
	switch entry.Sender {
	case chat.SenderUser:
		r.user.Fprintf(r.out, "[%s] %s: ", stamp, r.variant.UserName)
	case chat.SenderBot:
		r.bot.Fprintf(r.out, "[%s] Bot: ", stamp)
	default:
		r.system.Fprintf(r.out, "[%s] * ", stamp)
	}
	fmt.Fprintln(r.out, entry.Text)
}
