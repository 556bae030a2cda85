// Package logger renders slog records as single key=value lines, colored
// when the output is a terminal.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Options struct {
	Level slog.Level
	// Color forces colored output on or off. nil decides from the writer.
	Color  *bool
	Writer io.Writer
	// TimeFormat defaults to time.RFC3339. "-" drops the time field.
	TimeFormat string
}

// Handler is a slog.Handler writing
//
//	time=... level=INFO msg="http request" method=GET status=200
type Handler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	color  bool
	tfmt   string
	prefix string // rendered WithAttrs fields
	group  string
}

func NewHandler(opts Options) *Handler {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	useColor := !color.NoColor && isTerminal(w)
	if opts.Color != nil {
		useColor = *opts.Color
	}
	tfmt := opts.TimeFormat
	if tfmt == "" {
		tfmt = time.RFC3339
	}
	return &Handler{
		mu:    &sync.Mutex{},
		w:     w,
		level: opts.Level,
		color: useColor,
		tfmt:  tfmt,
	}
}

// New returns a logger backed by a Handler.
func New(opts Options) *slog.Logger {
	return slog.New(NewHandler(opts))
}

// Init installs a logger as the process default and returns it.
func Init(opts Options) *slog.Logger {
	l := New(opts)
	slog.SetDefault(l)
	return l
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if h.tfmt != "-" && !r.Time.IsZero() {
		b.WriteString(h.paint(color.FgHiBlack, "time="+r.Time.Format(h.tfmt)))
		b.WriteByte(' ')
	}
	b.WriteString(h.levelField(r.Level))
	b.WriteString(" msg=")
	b.WriteString(h.paint(color.FgCyan, strconv.Quote(r.Message)))
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		h.appendAttr(&b, h.group, a)
	}
	next := *h
	next.prefix = b.String()
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = joinKey(h.group, name)
	return &next
}

func (h *Handler) levelField(level slog.Level) string {
	text := "level=" + level.String()
	switch {
	case level >= slog.LevelError:
		return h.paint(color.FgRed, text)
	case level >= slog.LevelWarn:
		return h.paint(color.FgYellow, text)
	case level >= slog.LevelInfo:
		return h.paint(color.FgBlue, text)
	default:
		return h.paint(color.FgMagenta, text)
	}
}

func (h *Handler) appendAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		g := joinKey(group, a.Key)
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, g, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(h.paint(color.FgGreen, joinKey(group, a.Key)))
	b.WriteByte('=')
	b.WriteString(formatValue(a.Value))
}

func (h *Handler) paint(attr color.Attribute, s string) string {
	if !h.color {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return quoteIfNeeded(v.String())
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return quoteIfNeeded(err.Error())
		}
		return quoteIfNeeded(fmt.Sprint(v.Any()))
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}

// ParseLevel accepts debug, info, warn/warning and error, case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}
