// Package realtime provides the connection manager for the console's single
// persistent real-time channel, together with the typed inbound events that
// travel over it.
//
// # Overview
//
// Every authenticated identity owns at most one channel. The channel is a
// websocket addressed deterministically from the identity: the REST base URL
// has its scheme mapped http→ws (https→wss) and is suffixed with
// /ws/{tenant}/{user}, where {tenant} is 0 for identities without a tenant.
//
// # Lifecycle
//
// A channel moves through idle → connecting → open → closing → closed, or into
// errored when the transport fails. Errored and closed are terminal for that
// channel; calling Connect again builds a fresh one. The manager never
// reconnects on its own.
//
// # Events
//
// Inbound frames are decoded into one of the Event implementations:
//
//	ChatMessage             {"type":"chat_message","sender_id":...,"content":...}
//	ExternalMessage         {"type":"new_message","sender":...,"content":...}
//	InstanceStatusUpdate    {"type":"instance_status_update","instance_id":...,"status":...}
//	InstancePairingArtifact {"type":"instance_qr_code","instance_id":...,"qr_code":...}
//
// Frames with any other type become UnknownEvent. Frames that are not valid
// JSON become MalformedEvent, which carries the raw bytes so consumers can log
// them without the read pump stopping.
//
// # Usage Example
//
//	mgr, err := realtime.NewManager("http://localhost:8000/api/v1")
//	if err != nil {
//		return err
//	}
//	if err := mgr.Connect(ctx, sess); err != nil {
//		return err
//	}
//	defer mgr.Disconnect()
//
//	for ev := range mgr.Events() {
//		log.Printf("[INFO] event type=%s", ev.EventType())
//	}
package realtime
