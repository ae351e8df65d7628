// Package logging wires a leveled logger shared by every package in the
// gateway, following the sub-logger pattern the teacher uses in its
// top-level log.go (one shared backend, one named sub-logger per package).
package logging

import (
	"os"

	"github.com/btcsuite/btclog"
)

// Subsystem is the top level subsystem tag for the gateway binary itself.
const Subsystem = "GATD"

var (
	backend = btclog.NewBackend(os.Stdout)

	root = backend.Logger(Subsystem)

	// subLoggers holds every logger handed out by SubLogger so SetLevel
	// can reach them.
	subLoggers []btclog.Logger
)

func init() {
	root.SetLevel(btclog.LevelInfo)
}

// SubLogger returns a named logger that shares the root backend. Packages
// call this once at init time and keep the result in a package level `log`
// variable, mirroring auth.UseLogger/lsat.UseLogger/proxy.UseLogger in the
// teacher.
func SubLogger(subsystem string) btclog.Logger {
	l := backend.Logger(subsystem)
	l.SetLevel(root.Level())
	subLoggers = append(subLoggers, l)
	return l
}

// SetLevel adjusts the verbosity of every sub-logger sharing this backend.
func SetLevel(level string) error {
	l, ok := btclog.LevelFromString(level)
	if !ok {
		return os.ErrInvalid
	}
	root.SetLevel(l)
	for _, sub := range subLoggers {
		sub.SetLevel(l)
	}
	return nil
}
