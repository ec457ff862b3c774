/*
Package log provides structured logging for eidetica using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and helper
functions for common patterns. All logs carry a timestamp and can be
filtered by severity for production debugging.

# Usage

	import "github.com/arcuru/eidetica/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("node starting")

	syncLog := log.WithComponent("sync")
	syncLog.Info().Str("peer", pubkey).Msg("handshake accepted")

	entryLog := log.WithEntry(id)
	entryLog.Error().Err(err).Msg("auth validation failed")

# Context loggers

WithComponent tags logs with a subsystem name ("sync", "transaction",
"merge"). WithDatabase, WithPeer, and WithEntry tag logs with the
identifiers callers most often want to grep for: a database root, a
peer's pubkey, or an entry ID.

# Levels

Debug is for development and hot-path tracing, Info is the default
production level, Warn flags conditions worth a human's attention
(peer marked Inactive, retry queue growing), and Error records failed
operations. Fatal logs and exits; it is reserved for startup failures
the process cannot recover from, such as a persistent store that
refuses to open.
*/
package log
