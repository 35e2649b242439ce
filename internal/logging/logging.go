// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/config"
)

var Logger = logrus.New()

// Init applies the configured level and format to Logger.
func Init(cfg config.Config) error {
	return Configure(Logger, cfg, os.Stdout)
}

func Configure(logger *logrus.Logger, cfg config.Config, out io.Writer) error {
	level := logrus.InfoLevel
	if cfg.Log.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		level = parsed
	}
	logger.SetLevel(level)
	logger.SetOutput(out)
	if cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// Module returns an entry tagged with the emitting component.
func Module(name string) *logrus.Entry {
	return Logger.WithField("module", name)
}
