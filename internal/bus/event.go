package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced so subscribers can filter by prefix:
//
//	rt.*      inbound realtime frames (rt.message, rt.history_batch, rt.message_deleted)
//	message.* cache changes (message.merged, message.failed)
//	queue.*   offline action lifecycle (queue.enqueued, queue.replayed, queue.rejected, queue.exhausted)
//	net.*     connectivity transitions (net.online, net.offline)
//	session.* auth and lifecycle (session.auth_expired, session.channel_state)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
