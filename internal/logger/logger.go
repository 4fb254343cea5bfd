// Package logger builds the process-wide structured logger. Output is JSON on
// stdout with the service name on every entry.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init creates the logger for service at the given level ("debug", "info",
// "warn", "error"). An unparsable level falls back to info. The result is also
// installed as zap's global logger.
func Init(service, level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	return install(New(zapcore.AddSync(os.Stdout), lvl).With(zap.String("service", service)))
}

// New returns a JSON logger writing to w. Init uses it; tests point it at a buffer.
func New(w zapcore.WriteSyncer, lvl zapcore.Level) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), w, lvl)
	return zap.New(core, zap.AddCaller())
}

func install(l *zap.Logger) *zap.Logger {
	zap.ReplaceGlobals(l)
	return l
}

// Component returns a child logger tagged with the component name.
func Component(l *zap.Logger, name string) *zap.Logger {
	return l.With(zap.String("component", name))
}
