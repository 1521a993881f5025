/*
Package log provides structured logging for foreman using zerolog.

The log package wraps the zerolog library to provide structured logging, as
JSON or as human-readable console output, with component-specific child
loggers and configurable log levels. All logs
include timestamps and support filtering by severity level.

Typical usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("fleet")
	logger.Info().Str("addr", addr).Msg("listening for incoming workers")

	wlog := log.WithWorkerID(id)
	wlog.Info().Str("peer", peer).Msg("incoming worker connection")

Child loggers carry contextual fields (component, worker_id, thunk_hash) so
that every line emitted by the execution engine can be correlated back to the
worker session and thunk that produced it.
*/
package log
