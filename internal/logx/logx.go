package logx

import (
	"io"
	"log/slog"
)

// OrDiscard returns logger, or a logger that drops every record when nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
