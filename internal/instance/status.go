package instance

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle state of a gateway instance as the console shows it
type Status string

const (
	// StatusUnknown is used for statuses the console does not recognise
	StatusUnknown Status = "unknown"

	// StatusQRCode means the instance is waiting for its pairing code to be scanned
	StatusQRCode Status = "qrcode"

	// StatusConnecting means a connect request is in flight
	StatusConnecting Status = "connecting"

	// StatusConnected means the gateway session is live
	StatusConnected Status = "connected"

	// StatusDisconnected means the gateway session is down
	StatusDisconnected Status = "disconnected"
)

// Validate checks if the status is one of the defined values.
func (s Status) Validate() error {
	switch s {
	case StatusUnknown, StatusQRCode, StatusConnecting, StatusConnected, StatusDisconnected:
		return nil
	default:
		return fmt.Errorf("invalid instance status: %s", s)
	}
}

// ParseStatus maps the backend's status vocabulary onto Status. The backend
// reports both its own values and the gateway's raw connection states.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "qrcode", "qr_code", "qr_code_needed":
		return StatusQRCode
	case "connecting":
		return StatusConnecting
	case "connected", "open":
		return StatusConnected
	case "disconnected", "close", "closed", "connection_error", "error":
		return StatusDisconnected
	default:
		return StatusUnknown
	}
}
