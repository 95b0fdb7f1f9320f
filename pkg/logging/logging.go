// Package logging builds the process logger: console output plus a rotating
// JSON log file under logs/<app>.log.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the logger for app. dir defaults to logs/ next to the
// executable. The returned func flushes buffered entries.
func Setup(app, dir string) (*zap.Logger, func()) {
	if dir == "" {
		exe, _ := os.Executable()
		dir = filepath.Join(filepath.Dir(exe), "logs")
	}
	_ = os.MkdirAll(dir, 0o755)

	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, app+".log"),
		MaxSize:    GetEnvInt("CLASSNET_LOG_MAX_SIZE_MB", 20),
		MaxBackups: GetEnvInt("CLASSNET_LOG_MAX_BACKUPS", 5),
		MaxAge:     GetEnvInt("CLASSNET_LOG_MAX_AGE_DAYS", 7),
		Compress:   false,
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if os.Getenv("CLASSNET_DEBUG") != "" {
		level.SetLevel(zapcore.DebugLevel)
	}

	fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	consoleEnc := zapcore.NewConsoleEncoder(consoleCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(fileEnc, zapcore.AddSync(w), level),
	)
	logger := zap.New(core, zap.AddCaller()).Named(app)
	return logger, func() {
		_ = logger.Sync()
		_ = w.Close()
	}
}

// GetEnvInt returns the positive integer in env key, or def.
func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}
