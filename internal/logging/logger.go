package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/run2c/vnet/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Configure applies the logging.* settings from c to l, following the same
// level/format/timestamp conventions used throughout this lineage: level
// from config, a choice of formatter, optional timestamp suppression or
// format override.
func Configure(l *logrus.Logger, c *config.C) error {
	logLevel, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(logLevel)

	disableTimestamp := c.GetBool("logging.disable_timestamp", false)
	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	logFormat := strings.ToLower(c.GetString("logging.format", "text"))
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
			ForceColors:      term.IsTerminal(int(os.Stdout.Fd())),
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return nil
}
