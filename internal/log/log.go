// Package log builds the zap loggers used by the command-line tools.
//
// Diagnostics always go to stderr: stdout of the tracer carries the trace
// itself and stdout of astracer is left to the assembler.
package log

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr at info level, or at debug
// level when verbose is set.
func New(verbose bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !verbose
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.TimeKey = ""
	if !verbose {
		cfg.EncoderConfig.CallerKey = ""
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

// Fatal prints err to stderr with the tool prefix and exits with status 1.
func Fatal(tool string, err error) {
	_, _ = os.Stderr.WriteString(tool + ": " + err.Error() + "\n")
	os.Exit(1)
}
