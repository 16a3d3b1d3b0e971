package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. When unset the HTTP layer stays
// quiet apart from metrics.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("INFERD_HTTP_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

func logRequestStart(r *http.Request, msg, model string) {
	if zlog == nil || requestLogLevel(r) < LevelInfo {
		return
	}
	z := zlog.Info().Str("path", r.URL.Path).Str("model", model)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg(msg)
}

func logRequestEnd(r *http.Request, msg string, status int, dur time.Duration, err error) {
	if zlog == nil || requestLogLevel(r) < LevelInfo {
		return
	}
	z := zlog.Info().Int("status", status).Dur("dur", dur)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	if err != nil {
		z = z.Err(err)
	}
	z.Msg(msg)
}
