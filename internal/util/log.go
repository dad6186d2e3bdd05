package util

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	useColors = true

	loggerMu sync.Mutex
	logger   *zap.Logger
)

// SetVerbose enables verbose (debug) logging
func SetVerbose(verbose bool) {
	if verbose {
		level.SetLevel(zapcore.DebugLevel)
	}
}

// SetQuiet enables quiet mode (errors only)
func SetQuiet(quiet bool) {
	if quiet {
		level.SetLevel(zapcore.ErrorLevel)
	}
}

// IsQuiet reports whether only errors are being printed
func IsQuiet() bool {
	return level.Level() >= zapcore.ErrorLevel
}

// SetColors enables or disables colored output. Must be called before the
// first log line is written.
func SetColors(enabled bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	useColors = enabled
	logger = nil
}

// Logger returns the process-wide structured logger.
func Logger() *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newConsoleLogger()
	}
	return logger
}

// SetLogger replaces the process-wide logger (tests use zap.NewNop or zaptest)
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func newConsoleLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encCfg.EncodeCaller = nil
	if useColors {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// DebugLog logs debug messages
func DebugLog(format string, args ...interface{}) {
	Logger().Debug(fmt.Sprintf(format, args...))
}

// InfoLog logs informational messages
func InfoLog(format string, args ...interface{}) {
	Logger().Info(fmt.Sprintf(format, args...))
}

// WarnLog logs warning messages
func WarnLog(format string, args ...interface{}) {
	Logger().Warn(fmt.Sprintf(format, args...))
}

// ErrorLog logs error messages
func ErrorLog(format string, args ...interface{}) {
	Logger().Error(fmt.Sprintf(format, args...))
}

// SuccessLog logs success messages (shown unless quiet)
func SuccessLog(format string, args ...interface{}) {
	Logger().Info("✓ " + fmt.Sprintf(format, args...))
}
