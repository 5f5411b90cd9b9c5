// Package log provides the leveled logger used by the graphstate adapters.
//
// Adapters accept a Logger in their options and fall back to the package-level
// logger when none is given. The default implementation writes through
// kataras/golog with a "[graphstate] " prefix.
//
//	logger := log.NewLogger(log.LogLevelDebug)
//	st, err := persistence.Create(persistence.Options{Logger: logger})
//
// Use SetDefaultLogger to route every adapter through one logger, or
// SetDefaultLogger(&log.NoOpLogger{}) to silence them.
package log
