package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	logger  = logrus.New()
	options = DefaultOptions
)

//Initialize sets up the logging interface for use by the server.
//Must be called before the other helpers do anything beyond the
//logrus defaults.
func Initialize(cfg Options) error {
	//Double check the config is valid
	if err := cfg.Verify(); err != nil {
		return err
	}
	options = cfg

	//Switch on the level
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

	//An inherited descriptor wins over a file path; the process
	//manager already owns the other end of it
	if cfg.FD > 0 {
		logger.Out = os.NewFile(uintptr(cfg.FD), fmt.Sprintf("log-fd-%d", cfg.FD))
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0750)
		if err != nil {
			return fmt.Errorf("failed to open log file for writing\nerror: %s", err.Error())
		}

		logger.Out = f
	}

	return nil
}

//Get returns the underlying logrus logger object
func Get() *logrus.Logger {
	return logger
}

//UsageEnabled reports whether connection-scoped messages should be
//logged, per the Usage option
func UsageEnabled() bool {
	return options.Usage
}
