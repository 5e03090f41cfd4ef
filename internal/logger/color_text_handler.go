package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler prefixes each record with its level in ANSI color. It is
// meant for an interactive terminal; log files get the plain text handler.
//
// The prefix is written raw, the rest of the line comes from a text handler
// that omits the level, so the escape codes are never quoted.
type ColorTextHandler struct {
	w     io.Writer
	inner slog.Handler
	state *lineState
}

// lineState is shared by every handler derived from the same root so that a
// record is assembled and written as one line.
type lineState struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch a.Key {
			case slog.LevelKey:
				return slog.Attr{}
			case slog.TimeKey:
				if !showTime {
					return slog.Attr{}
				}
			}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	st := &lineState{}
	return &ColorTextHandler{w: w, inner: slog.NewTextHandler(&st.buf, &o), state: st}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.buf.Reset()
	h.state.buf.WriteString(color + r.Level.String() + ansiReset + " ")
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	_, err := h.w.Write(h.state.buf.Bytes())
	return err
}

// WithAttrs keeps the coloring for loggers derived with With, e.g. the
// per-component loggers of the daemon.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{w: h.w, inner: h.inner.WithAttrs(attrs), state: h.state}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{w: h.w, inner: h.inner.WithGroup(name), state: h.state}
}
