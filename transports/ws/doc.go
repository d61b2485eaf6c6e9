// Package ws implements the router transport over a single multiplexed
// WebSocket connection.
//
// Requests are JSON frames correlated by id. Streams are correlated by
// stream_id and end with a frame marked complete or with an error
// response. Frames of type "event" are delivered to handlers registered
// with Subscribe, which is how core.Client.On receives push events.
//
// The connection is dialed on first use and kept alive with pings. If it
// drops, pending calls fail with core.ErrNetwork and the next call dials
// again; room memberships do not survive a reconnect.
package ws
