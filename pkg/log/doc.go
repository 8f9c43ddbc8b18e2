// Package log provides structured logging for the Quarry coordinator,
// built on zerolog. Components obtain child loggers via WithComponent so
// every line carries its origin.
package log
