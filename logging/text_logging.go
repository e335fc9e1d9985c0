package logging

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode"
)

// TextHandler writes one-line logs for local debugging. Every line carries an
// instance ID so the output of one task, pump, or server can be grepped out
// of the interleaved whole.
type TextHandler struct {
	instanceID string
	mu         *sync.Mutex // Serialize writes to attrs
	attrs      []slog.Attr
}

func NewTextHandler() *TextHandler {
	return &TextHandler{
		mu:         &sync.Mutex{},
		instanceID: "root",
	}
}

func (h *TextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= globalLevel.Level()
}

func (h *TextHandler) Handle(ctx context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 1024)
	buf = ts.AppendFormat(buf, "2006/01/02 15:04:05")
	buf = append(buf, ' ')
	buf = append(buf, r.Level.String()...)
	buf = append(buf, " ["...)
	buf = append(buf, h.instanceID...)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	_, err := os.Stderr.Write(buf)
	return err
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()

	// An instanceID attr names the derived logger rather than appearing as a
	// key=value pair on every line.
	next := h.clone()
	rest := slices.Clone(attrs)
	for i, a := range rest {
		if a.Key == "instanceID" {
			next.instanceID = a.Value.String()
			rest = slices.Delete(rest, i, i+1)
			break
		}
	}

	next.attrs = append(next.attrs, rest...)
	return next
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	panic("TextHandler does not support groups")
}

func (h *TextHandler) clone() *TextHandler {
	return &TextHandler{
		mu:         h.mu,
		instanceID: h.instanceID,
		attrs:      slices.Clone(h.attrs),
	}
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	buf = append(buf, ' ')
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	s := a.Value.String()
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

// needsQuoting reports whether a value would be ambiguous or unreadable
// unquoted. Spaces and '=' would split the key=value pair; anything
// unprintable gets escaped by quoting.
func needsQuoting(s string) bool {
	if len(s) == 0 {
		return true
	}
	for _, r := range s {
		if r == ' ' || r == '=' || !unicode.IsPrint(r) {
			return true
		}
	}
	return false
}
