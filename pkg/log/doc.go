/*
Package log provides structured logging for Courier using zerolog.

The package keeps a single global zerolog.Logger that every other package
writes through, plus helpers that derive child loggers carrying the fields
the pipeline is usually filtered by: component, channel and consumer group.

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

Component loggers:

	logger := log.WithGroup("dispatcher", "billing-events", "workers")
	logger.Info().Int("claimed", 12).Msg("claimed batch")
	logger.Warn().Str("entry_id", id).Str("event_type", typ).Msg("no handler registered, dropping entry")

Errors are always attached with .Err(err) so aggregation can filter on the
error field:

	log.Logger.Error().Err(err).Str("channel", ch).Msg("bulk insert failed, popped records lost")

# Output

JSON (production):

	{"level":"info","component":"drainer","channel":"telemetry:k1","drained":40,"skipped":1,"time":"...","message":"drain complete"}

Console (development):

	10:30:00 INF drain complete channel=telemetry:k1 component=drainer drained=40 skipped=1

Never log webhook secrets or raw signature headers.
*/
package log
