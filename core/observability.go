package core

import (
	"context"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// ResolveLogger uses precedence provider > logger > nop and returns the logger
// named after the component.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) Logger {
	provider, logger = glog.Resolve(name, provider, logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(name); named != nil {
			logger = glog.Ensure(named)
		}
	}
	return logger
}

func LogInfo(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "info", message, fields)
}

func LogWarn(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "warn", message, fields)
}

func LogError(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "error", message, fields)
}

func LogDebug(ctx context.Context, logger Logger, message string, fields map[string]any) {
	logWithLevel(ctx, logger, "debug", message, fields)
}

func logWithLevel(ctx context.Context, logger Logger, level string, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	args := LogFields(fields)
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(CloneFields(fields))
		args = nil
	}
	switch level {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func CloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

// LogFields flattens fields into sorted key/value arguments.
func LogFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func NormalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
