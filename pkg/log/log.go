package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// MaskUsername hides the middle of a portal login so it can be logged. Emails
// keep the first and last character of the local part and the whole domain,
// phone numbers and plain logins keep their first and last two characters.
func MaskUsername(username string) string {
	if local, domain, ok := strings.Cut(username, "@"); ok {
		return maskMiddle(local, 1) + "@" + domain
	}
	return maskMiddle(username, 2)
}

func maskMiddle(s string, keep int) string {
	r := []rune(s)
	if len(r) <= keep*2 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:keep]) + strings.Repeat("*", len(r)-keep*2) + string(r[len(r)-keep:])
}
