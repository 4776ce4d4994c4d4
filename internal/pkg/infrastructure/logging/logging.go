package logging

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerContextKey struct {
	name string
}

var loggerCtxKey = &loggerContextKey{"logger"}

func NewLogger(ctx context.Context, serviceName, serviceVersion, level string) (context.Context, zerolog.Logger) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().
		Str("service", strings.ToLower(serviceName)).
		Str("version", serviceVersion).
		Logger()

	ctx = NewContextWithLogger(ctx, logger)
	return ctx, logger
}

func NewContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// WithModuleID returns a context whose logger carries the module identifier
func WithModuleID(ctx context.Context, moduleID string) (context.Context, zerolog.Logger) {
	logger := GetLoggerFromContext(ctx).With().Str("moduleID", moduleID).Logger()
	return NewContextWithLogger(ctx, logger), logger
}

func GetLoggerFromContext(ctx context.Context) zerolog.Logger {
	logger, ok := ctx.Value(loggerCtxKey).(zerolog.Logger)

	if !ok {
		return log.Logger
	}

	return logger
}
