// Package audit implements async event dispatching for authorization-flow events.
//
// # Components
//
//   - [Sink]: event consumers (channel, JSON writer, zap logger, fan-out, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: structured record with timestamp, type, user, client, IP, origin and metadata.
//
// This package owns buffering and delivery. The engine decides which events to emit.
package audit
