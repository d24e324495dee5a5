package backend

import (
	"encoding/json"
	"time"
)

// Wire records use the backend's field names.

// BoardRecord is a CRM board.
type BoardRecord struct {
	ID       int64  `json:"id"`
	Name     string `json:"nome"`
	TenantID *int64 `json:"empresa_id,omitempty"`
}

// ColumnRecord is a board column.
type ColumnRecord struct {
	ID      int64  `json:"id"`
	Name    string `json:"nome"`
	Order   int    `json:"ordem"`
	BoardID int64  `json:"board_id"`
}

// CardRecord is a board card.
type CardRecord struct {
	ID          int64   `json:"id"`
	Title       string  `json:"titulo"`
	Description *string `json:"descricao,omitempty"`
	Order       int     `json:"ordem"`
	ColumnID    int64   `json:"coluna_id"`
	TenantID    *int64  `json:"empresa_id,omitempty"`
}

// CardUpdate is the body of a card move.
type CardUpdate struct {
	ColumnID int64 `json:"coluna_id"`
	Order    int   `json:"ordem"`
}

// ConnectResult is the synchronous reply to an instance connect request.
// QRCode is empty when the pairing artifact will arrive over the channel.
type ConnectResult struct {
	QRCode string `json:"qr_code,omitempty"`
	Status string `json:"status,omitempty"`
}

// InstanceRecord is a gateway instance. The backend has shipped two names
// for the URL and status fields; both are accepted.
type InstanceRecord struct {
	ID              int64      `json:"id"`
	Name            string     `json:"nome_instancia"`
	APIURL          string     `json:"api_endpoint"`
	Status          string     `json:"status_conexao"`
	StatusTimestamp *time.Time `json:"status_timestamp,omitempty"`
	TenantID        *int64     `json:"empresa_id,omitempty"`
}

func (r *InstanceRecord) UnmarshalJSON(data []byte) error {
	type plain InstanceRecord
	var wire struct {
		plain
		EvolutionAPIURL string  `json:"evolution_api_url"`
		LegacyStatus    string  `json:"status"`
		RawTimestamp    *string `json:"status_timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*r = InstanceRecord(wire.plain)
	if r.APIURL == "" {
		r.APIURL = wire.EvolutionAPIURL
	}
	if r.Status == "" {
		r.Status = wire.LegacyStatus
	}
	r.StatusTimestamp = parseTimestamp(wire.RawTimestamp)
	return nil
}

// parseTimestamp accepts RFC 3339 and the naive ISO format the backend
// emits for timestamps stored without a zone.
func parseTimestamp(raw *string) *time.Time {
	if raw == nil || *raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, *raw); err == nil {
			return &ts
		}
	}
	return nil
}

// InstanceCreate is the body of an instance creation call.
type InstanceCreate struct {
	Name   string `json:"nome_instancia"`
	APIURL string `json:"api_endpoint"`
	APIKey string `json:"api_key,omitempty"`
}

// User is the authenticated user as reported by /usuarios/me.
type User struct {
	ID          int64  `json:"id"`
	TenantID    *int64 `json:"empresa_id"`
	Email       string `json:"email"`
	Name        string `json:"nome"`
	IsSuperuser bool   `json:"is_superuser"`
}

// TokenResponse is the reply of the login endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
