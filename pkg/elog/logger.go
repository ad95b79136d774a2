// Package elog is the structured logging facade the filesystem core and its
// CLI host use for the "debug channel" spec.md's error handling design
// requires corruption and recovery events to flow through.
package elog

import (
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is the interface every core package accepts instead of reaching
// for a global logger, so a host can silence, redirect, or level-filter
// core diagnostics without the core importing the host's logging stack.
type Logger interface {
	Debugf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	IsDebugEnabled() bool
}

// CLI is a colorized, terminal-oriented Logger backed by logrus, matching
// the presentation the demo host CLI shows to a user running fsck-style
// diagnostics or mount/recovery traces.
type CLI struct {
	DisableColors bool
	IsDebug       bool

	once sync.Once
	std  *logrus.Logger
}

func (log *CLI) logger() *logrus.Logger {
	log.once.Do(func() {
		log.std = logrus.New()
		log.std.SetFormatter(log)
		if log.IsDebug {
			log.std.SetLevel(logrus.DebugLevel)
		}
	})
	return log.std
}

func (log *CLI) Debugf(format string, x ...interface{}) { log.logger().Debugf(format, x...) }
func (log *CLI) Infof(format string, x ...interface{})  { log.logger().Infof(format, x...) }
func (log *CLI) Warnf(format string, x ...interface{})  { log.logger().Warnf(format, x...) }
func (log *CLI) Errorf(format string, x ...interface{}) { log.logger().Errorf(format, x...) }

func (log *CLI) IsDebugEnabled() bool {
	return log.logger().IsLevelEnabled(logrus.DebugLevel)
}

// Format renders a log entry the way the demo CLI presents core
// diagnostics: faint traces, yellow warnings, red errors.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {
	x := entry.Message
	if !log.DisableColors {
		switch entry.Level {
		case logrus.DebugLevel:
			x = color.New(color.Faint).Sprint(x)
		case logrus.WarnLevel:
			x = color.New(color.FgYellow).Sprint(x)
		case logrus.ErrorLevel:
			x = color.New(color.FgRed).Sprint(x)
		}
	}
	return []byte(fmt.Sprintf("%s\n", x)), nil
}

// Nop discards everything; it is the default used when a host mounts a
// filesystem without supplying a Logger.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
func (Nop) IsDebugEnabled() bool          { return false }
