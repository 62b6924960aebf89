/*
Package log provides structured logging for the service using zerolog.

A thin wrapper over zerolog: one global logger initialized at startup,
child loggers carrying standard fields, and a few shorthand functions
for code without a component logger.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("applier")
	logger.Info().Str("tenant_id", id).Msg("event applied")

JSON output goes to production; the console writer is for local runs.
WithTenant, WithStream, and WithActor attach the field names every
package uses, so logs aggregate cleanly across components.

# See Also

  - pkg/config: ObservabilityConfig selects level and format
*/
package log
