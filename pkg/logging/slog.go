// Package logging provides a human-friendly slog handler for terminals.
// Machine consumers should prefer slog's JSON handler; this one is for
// operators watching a node.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Options struct {
	Level      slog.Leveler
	UseColor   bool
	TimeFormat string
}

func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
	}
}

// PrettyHandler renders records as "time | LEVEL | message k=v ...".
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime  func(...any) string
	colorMsg   func(...any) string
	colorAttrs func(...any) string
	colorLevel map[slog.Level]func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()

	return h
}

func (h *PrettyHandler) initColorFuncs() {
	plain := func(a ...any) string { return fmt.Sprint(a...) }

	h.colorTime = plain
	h.colorMsg = plain
	h.colorAttrs = plain
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: plain,
		slog.LevelInfo:  plain,
		slog.LevelWarn:  plain,
		slog.LevelError: plain,
	}

	if !h.opts.UseColor {
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMsg = color.New(color.FgCyan).SprintFunc()
	h.colorAttrs = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	b.WriteString(" | ")
	b.WriteString(h.formatLevel(r.Level))
	b.WriteString(" | ")
	b.WriteString(h.colorMsg(r.Message))

	prefix := strings.Join(h.groups, ".")
	for _, attr := range h.attrs {
		h.appendAttr(&b, prefix, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.appendAttr(&b, prefix, attr)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *PrettyHandler) appendAttr(b *strings.Builder, prefix string, attr slog.Attr) {
	value := attr.Value.Resolve()
	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	if value.Kind() == slog.KindGroup {
		for _, nested := range value.Group() {
			h.appendAttr(b, key, nested)
		}
		return
	}

	b.WriteString(" ")
	b.WriteString(h.colorAttrs(fmt.Sprintf("%s=%v", key, value.Any())))
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	text := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if colorFunc, ok := h.colorLevel[level]; ok {
		return colorFunc(text)
	}
	return text
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *PrettyHandler) clone() *PrettyHandler {
	clone := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
	clone.initColorFuncs()
	return clone
}
