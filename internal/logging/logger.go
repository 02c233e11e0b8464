// Package logging builds the daemon's zap logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the log level and the console stream.
type Options struct {
	Level zapcore.Level
	// Console defaults to os.Stderr.
	Console io.Writer
}

// New creates a zap logger that writes JSON to logPath and a console
// rendering to Options.Console. Profile name and PID are included as
// initial fields.
func New(logPath, profileName string, opts Options) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	fileCore := zapcore.NewCore(jsonEncoder, zapcore.AddSync(file), opts.Level)
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.AddSync(console), opts.Level)

	core := zapcore.NewTee(fileCore, consoleCore)

	logger := zap.New(core,
		zap.Fields(
			zap.String("profile", profileName),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}
