// Package models - channel_instance.go defines the ChannelInstance record, its closed
// status enumeration, and the provider-name derivation shared by every code path
// that creates instances.
package models

import (
	"database/sql/driver"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InstanceStatus is the connection status of a channel instance.
// The set of values is closed: scanning any other string from the database fails.
type InstanceStatus string

const (
	StatusDisconnected InstanceStatus = "disconnected"
	StatusConnecting   InstanceStatus = "connecting"
	StatusConnected    InstanceStatus = "connected"
	StatusError        InstanceStatus = "error"
	StatusSuspended    InstanceStatus = "suspended"
)

// AllStatuses lists every InstanceStatus in a stable order.
var AllStatuses = []InstanceStatus{
	StatusDisconnected,
	StatusConnecting,
	StatusConnected,
	StatusError,
	StatusSuspended,
}

// Valid reports whether s is one of the known statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusConnected, StatusError, StatusSuspended:
		return true
	}
	return false
}

// ParseInstanceStatus converts a string into an InstanceStatus.
func ParseInstanceStatus(v string) (InstanceStatus, error) {
	s := InstanceStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown instance status %q", v)
	}
	return s, nil
}

// Scan implements sql.Scanner.
func (s *InstanceStatus) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into InstanceStatus", src)
	}
	parsed, err := ParseInstanceStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s InstanceStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid instance status %q", string(s))
	}
	return string(s), nil
}

// Metadata is a JSONB object column.
type Metadata map[string]interface{}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

// ChannelInstance is one messaging-channel connection owned by an organization.
//
// PairingCode and PairingCodeIssuedAt are only set while Status is connecting.
// ProviderName never changes after creation. Revision is bumped on every update
// and used as the optimistic concurrency token.
type ChannelInstance struct {
	ID                  string         `db:"id" json:"id"`
	OrganizationID      string         `db:"organization_id" json:"organization_id"`
	DisplayName         string         `db:"display_name" json:"display_name"`
	ProviderName        string         `db:"provider_name" json:"provider_name"`
	Status              InstanceStatus `db:"status" json:"status"`
	PairingCode         *string        `db:"pairing_code" json:"pairing_code,omitempty"`
	PairingCodeIssuedAt *time.Time     `db:"pairing_code_issued_at" json:"pairing_code_issued_at,omitempty"`
	LastErrorMessage    *string        `db:"last_error_message" json:"last_error_message,omitempty"`
	LastConnectedAt     *time.Time     `db:"last_connected_at" json:"last_connected_at,omitempty"`
	Metadata            Metadata       `db:"metadata" json:"metadata,omitempty"`
	Revision            int64          `db:"revision" json:"revision"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the instance so callers can mutate a snapshot
// without touching the original.
func (c *ChannelInstance) Clone() *ChannelInstance {
	if c == nil {
		return nil
	}
	out := *c
	if c.PairingCode != nil {
		v := *c.PairingCode
		out.PairingCode = &v
	}
	if c.PairingCodeIssuedAt != nil {
		v := *c.PairingCodeIssuedAt
		out.PairingCodeIssuedAt = &v
	}
	if c.LastErrorMessage != nil {
		v := *c.LastErrorMessage
		out.LastErrorMessage = &v
	}
	if c.LastConnectedAt != nil {
		v := *c.LastConnectedAt
		out.LastConnectedAt = &v
	}
	if c.Metadata != nil {
		out.Metadata = make(Metadata, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// providerPrefixEncoding encodes organization ids for provider names. Lowercase
// unpadded base32 is injective and never emits '_', so a provider name carries
// exactly one organization's prefix.
var providerPrefixEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ProviderNamePrefix returns the provider-name prefix owned by an organization.
// It is derived from the exact organization id: "org-1", "org1" and "ORG1"
// get distinct prefixes.
func ProviderNamePrefix(organizationID string) string {
	return strings.ToLower(providerPrefixEncoding.EncodeToString([]byte(organizationID))) + "_"
}

// ProviderName derives the globally unique provider-side name for an instance.
// The display name is reduced to lowercase alphanumerics and dashes.
func ProviderName(organizationID, displayName string) string {
	return ProviderNamePrefix(organizationID) + slugify(displayName)
}

func slugify(v string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
