// Package connection implements the transport adapter and the reconnect
// supervisor.
//
// A Client wraps one WebSocket and reports inbound frames and failures as
// channel events; it never retries. A Supervisor owns one logical connection
// to a (exchange, market-type) pair: it drives the connect/authenticate/
// subscribe/stream state machine, schedules venue keepalives, detects stale
// sockets, applies bounded exponential backoff, and replays the desired
// subscription set after every reconnect.
package connection
