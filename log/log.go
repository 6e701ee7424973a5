//Package log wraps logrus behind the small surface the broker
//uses: leveled package functions plus field helpers for
//per-connection usage logging.
package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()
var opts = DefaultOptions

//Initialize sets up the logging backend from the supplied options
func Initialize(cfg Options) error {
	if err := cfg.Verify(); err != nil {
		return err
	}

	switch cfg.Level {
	case LevelDebug:
		logger.Level = logrus.DebugLevel
	case LevelInfo:
		logger.Level = logrus.InfoLevel
	case LevelWarn:
		logger.Level = logrus.WarnLevel
	case LevelError:
		logger.Level = logrus.ErrorLevel
	default:
		logger.Level = logrus.InfoLevel
	}

	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0750)
		if err != nil {
			return fmt.Errorf("failed to open log file for writing: %w", err)
		}
		logger.Out = f
	}

	opts = cfg
	return nil
}

//Get returns the underlying logrus logger
func Get() *logrus.Logger {
	return logger
}

//Usage reports whether per-connection usage logging is enabled
func Usage() bool {
	return opts.Usage
}

//BlurTimes reports whether log times should be truncated
func BlurTimes() bool {
	return opts.BlurTimes
}

//ShowAddress reports whether remote addresses may be logged
func ShowAddress() bool {
	return opts.ShowAddress
}

//Debug logs a debug message
func Debug(args ...interface{}) {
	logger.Debug(args...)
}

//Debugf logs a debug message with fmt.Printf formatting
func Debugf(str string, args ...interface{}) {
	logger.Debugf(str, args...)
}

//Info logs an info message
func Info(args ...interface{}) {
	logger.Info(args...)
}

//Infof logs an info message with fmt.Printf formatting
func Infof(str string, args ...interface{}) {
	logger.Infof(str, args...)
}

//Warn logs a warning message
func Warn(args ...interface{}) {
	logger.Warn(args...)
}

//Warnf logs a warning message with fmt.Printf formatting
func Warnf(str string, args ...interface{}) {
	logger.Warnf(str, args...)
}

//Error logs an error message
func Error(args ...interface{}) {
	logger.Error(args...)
}

//Errorf logs an error message with fmt.Printf formatting
func Errorf(str string, args ...interface{}) {
	logger.Errorf(str, args...)
}

//Err logs an error with an attached error object
func Err(msg string, err error) {
	logger.WithError(err).Error(msg)
}
