package tap

import (
	"fmt"

	"github.com/opsconsole/console/pkg/realtime"
)

// Redis key pattern helpers
//
// Keys and channels are namespaced by tenant and user so several consoles can
// share one Redis server.
//
// Key pattern: console:{tenant}:{user}:{entity}

// HistoryLimit is how many frames the history list keeps.
const HistoryLimit = 100

// EventsChannel returns the Pub/Sub channel mirrored frames are published on.
// Pattern: console:{tenant}:{user}:events
func EventsChannel(id realtime.Identity) string {
	return fmt.Sprintf("console:%d:%d:events", id.TenantSegment(), id.UserID)
}

// HistoryKey returns the list holding the most recent frames, newest first.
// Pattern: console:{tenant}:{user}:history
func HistoryKey(id realtime.Identity) string {
	return fmt.Sprintf("console:%d:%d:history", id.TenantSegment(), id.UserID)
}

// CountsKey returns the hash counting mirrored frames per event type.
// Pattern: console:{tenant}:{user}:counts
func CountsKey(id realtime.Identity) string {
	return fmt.Sprintf("console:%d:%d:counts", id.TenantSegment(), id.UserID)
}
