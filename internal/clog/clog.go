// Package clog wires up the shared logrus logger used across every
// component, following zfs-auto-snapshot/main.go's pattern of parsing a
// -log-level flag into a *logrus.Logger at startup and threading that
// logger explicitly rather than relying on logrus's package-global logger.
package clog

import "github.com/sirupsen/logrus"

// New builds a *logrus.Logger at the given level string (e.g. "warn",
// "debug"), defaulting to Info if level is empty.
func New(level string) (*logrus.Logger, error) {
	l := logrus.New()
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.Level = parsed
	return l, nil
}
