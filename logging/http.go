package logging

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
)

// NewHTTPHandler wraps next to log each request. Reads like metrics scrapes
// log at debug so a polling collector does not flood the output.
func NewHTTPHandler(next http.Handler, logger *slog.Logger) http.Handler {
	return &requestLogger{next: next, log: logger}
}

type requestLogger struct {
	next http.Handler
	log  *slog.Logger
}

func (l *requestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "can't read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		l.log.Info("request", "method", r.Method, "path", r.URL.Path, "body", string(body))
	default:
		l.log.Debug("request", "method", r.Method, "path", r.URL.Path)
	}
	l.next.ServeHTTP(w, r)
}
