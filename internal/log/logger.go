// Package log provides structured logging for vmpiat using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with vmpiat-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger. Only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Get returns the global logger, or a no-op logger before Init.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// Stage logs the start of a pipeline stage.
func (l *Logger) Stage(name string, fields ...zap.Field) {
	l.Info(name, fields...)
}

// Hex formats a uint64 as hex string for logging.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a named pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// CallSite creates a call site field.
func CallSite(va uint64) zap.Field { return Ptr("site", va) }

// Target creates an import target field.
func Target(va uint64) zap.Field { return Ptr("target", va) }

// RVA creates a module-relative address field.
func RVA(rva uint64) zap.Field { return Ptr("rva", rva) }

// Section creates a section name field.
func Section(name string) zap.Field { return zap.String("section", name) }

// Module creates a module name field.
func Module(name string) zap.Field { return zap.String("module", name) }

// Symbol creates an export name field.
func Symbol(name string) zap.Field { return zap.String("sym", name) }

// SectionMapped logs a section copied into the arena.
func (l *Logger) SectionMapped(name string, base uint64, size int, protected bool) {
	l.Debug("section mapped",
		Section(name),
		Addr(base),
		Size(uint64(size)),
		zap.Bool("vm", protected),
	)
}

// Resolved logs a call site reduced to its import target.
func (l *Logger) Resolved(site, target, rva uint64, kind string) {
	l.Debug("resolved",
		CallSite(site),
		Target(target),
		RVA(rva),
		zap.String("kind", kind),
	)
}

// ImportAdded logs the thunk allocated for an import.
func (l *Logger) ImportAdded(module, symbol string, thunk uint64) {
	l.Debug("import added",
		Module(module),
		Symbol(symbol),
		Ptr("thunk", thunk),
	)
}
