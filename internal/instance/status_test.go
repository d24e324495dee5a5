package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"qrcode", StatusQRCode},
		{"qr_code_needed", StatusQRCode},
		{"connecting", StatusConnecting},
		{"connected", StatusConnected},
		{"open", StatusConnected},
		{"OPEN", StatusConnected},
		{"close", StatusDisconnected},
		{"disconnected", StatusDisconnected},
		{"connection_error", StatusDisconnected},
		{"error", StatusDisconnected},
		{"", StatusUnknown},
		{"refused", StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStatus(tt.raw))
		})
	}
}

func TestStatusValidate(t *testing.T) {
	for _, s := range []Status{StatusUnknown, StatusQRCode, StatusConnecting, StatusConnected, StatusDisconnected} {
		assert.NoError(t, s.Validate())
	}
	assert.Error(t, Status("paired").Validate())
}
