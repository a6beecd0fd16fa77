/*
Package log provides structured logging built on zerolog.

A single global Logger is configured once via Init and shared by every
long-lived activity in the worker (publisher, monitor, scheduler,
broadcaster, ingest writers). Component- and domain-scoped child loggers are
created with WithComponent, WithRegion, and WithCheckID so that log lines
carry enough context (region, check_id, bucket, peer) to be correlated
without distributed tracing, per the propagation policy this system follows.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Str("check_id", id.String()).Msg("task dispatched")
*/
package log
