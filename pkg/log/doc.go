/*
Package log provides structured logging for Rookery using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Components obtain child loggers carrying their identity:

	logger := log.WithComponent("engine")
	logger.Info().Str("task_id", id).Msg("task assigned")

Correlation fields (task_id, agent_id, message_id, channel) are attached via
the With* helpers so that one task's events can be grepped across components.
*/
package log
