// Package config loads the .offboard workspace configuration.
//
// A workspace is a directory containing a .offboard/ data directory with
// the queue database, the spool directory for mutation files, and an
// optional config.yaml. Settings resolve in the usual order: defaults,
// then config.yaml, then OFFBOARD_* environment variables.
package config
