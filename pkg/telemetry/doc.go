// Package telemetry provides logging, tracing, metrics, and lifecycle events
// for leadflow.
//
// Logging wraps zerolog with component loggers and lead field helpers:
//
//	logger := tel.Logger.NewComponentLogger("channel").WithLeadID(lead.ID)
//	logger.Info("message sent")
//
// Tracing uses OpenTelemetry with stdout or OTLP/gRPC exporters. Spans are
// opened per workflow execution, inbound message, runner tick and provider
// call.
//
// Metrics are Prometheus collectors on a private registry, exposed through
// Metrics.Handler. All recorders are no-ops when metrics are disabled.
//
// # Events
//
// EventPublisher delivers lead lifecycle events (lead.created,
// lead.state_changed, message.sent and so on) to subscribers in publish
// order. Delivery is synchronous by default; with EnableAsync a single
// goroutine drains a bounded queue, which keeps the order. AuditSink persists
// events to an engine.EventLog:
//
//	unsubscribe := tel.Events.Subscribe(telemetry.AuditSink(store, tel.Logger), nil)
//	defer unsubscribe()
package telemetry
