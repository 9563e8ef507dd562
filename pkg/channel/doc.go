// Package channel is the SMS boundary. Adapter sends through an
// engine.MessageProvider, converts provider failures into failed contact
// attempts, normalizes inbound messages and keeps a per-lead attempt log.
//
// Providers are chosen by name from a Registry: "mock" records messages in
// memory and can be scripted to fail, "log" writes messages to the logger.
package channel
