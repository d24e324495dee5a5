package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// Channel address helpers
//
// The websocket endpoint lives under the REST base URL:
//
//	http://host/api/v1  →  ws://host/api/v1/ws/{tenant}/{user}
//	https://host/api/v1 →  wss://host/api/v1/ws/{tenant}/{user}

// ChannelPath returns the path suffix for an identity.
// Pattern: /ws/{tenant_segment}/{user_id}
func ChannelPath(id Identity) string {
	return fmt.Sprintf("/ws/%d/%d", id.TenantSegment(), id.UserID)
}

// ChannelURL derives the channel address for an identity from the REST base URL.
func ChannelURL(base string, id Identity) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("invalid identity: %w", err)
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q (expected http or https)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", base)
	}

	u.Path = strings.TrimRight(u.Path, "/") + ChannelPath(id)
	u.RawPath = ""
	return u.String(), nil
}
