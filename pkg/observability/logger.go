// Package observability builds the process-wide zap logger.
package observability

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/daimatz/goenhance/pkg/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const (
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
	colorBlue   = "\x1b[34m"
	colorCyan   = "\x1b[36m"
	colorReset  = "\x1b[0m"
)

var levelColors = map[zapcore.Level]string{
	zapcore.DebugLevel:  colorCyan,
	zapcore.InfoLevel:   colorBlue,
	zapcore.WarnLevel:   colorYellow,
	zapcore.ErrorLevel:  colorRed,
	zapcore.DPanicLevel: colorRed,
	zapcore.PanicLevel:  colorRed,
	zapcore.FatalLevel:  colorRed,
}

// NewLogger builds a logger writing to console and, when cfg.LogFile is
// set, to a rotated JSON file.
func NewLogger(cfg config.LoggerConfig, console zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	cores := []zapcore.Core{zapcore.NewCore(getEncoder(cfg.Format), console, level)}
	if cfg.LogFile != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(getEncoder("json"), fileWriter, level))
	}

	options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		options = append(options, zap.AddCaller())
	}
	logger := zap.New(zapcore.NewTee(cores...), options...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	return logger
}

// Initialize installs the global logger. Only the first call has effect.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	once.Do(func() {
		logger := NewLogger(cfg, console)
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
	})
}

// InitializeLogger logs to standard error so that standard output stays
// free for dumps and reports.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stderr))
}

// ResetForTest clears the global logger. Tests only.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

// GetLogger returns the global logger, or a no-op logger before
// initialization.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	return zap.NewNop()
}

// Sync flushes the global logger.
func Sync() {
	if logger := globalLogger.Load(); logger != nil {
		_ = logger.Sync()
	}
}

func colorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := strings.ToUpper(level.String())
	if c, ok := levelColors[level]; ok {
		s = c + s + colorReset
	}
	enc.AppendString(s)
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if format == "console" {
		encoderConfig.EncodeLevel = colorLevelEncoder
		encoderConfig.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(name + ".")
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}
