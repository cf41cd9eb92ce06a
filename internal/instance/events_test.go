package instance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/channelhub/channelhub/internal/provider"
)

func TestNormalizeEventName(t *testing.T) {
	assert.Equal(t, "CONNECTION_UPDATE", NormalizeEventName("connection.update"))
	assert.Equal(t, "CONNECTION_UPDATE", NormalizeEventName("CONNECTION_UPDATE"))
	assert.Equal(t, "QRCODE_UPDATED", NormalizeEventName(" qrcode.updated "))
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Event
	}{
		{
			name:    "connection update open",
			payload: `{"event":"connection.update","instance":"org1_desk","data":{"state":"open","statusReason":200}}`,
			want:    ConnectionUpdate{Instance: "org1_desk", State: provider.StateOpen, Reason: "200"},
		},
		{
			name:    "connection update close upper case",
			payload: `{"event":"CONNECTION_UPDATE","instance":"org1_desk","data":{"state":"close"}}`,
			want:    ConnectionUpdate{Instance: "org1_desk", State: provider.StateClose},
		},
		{
			name:    "qrcode as object",
			payload: `{"event":"qrcode.updated","instance":"org1_desk","data":{"qrcode":{"code":"2@abc","base64":"data:image/png"}}}`,
			want:    QRCodeUpdated{Instance: "org1_desk", Code: "2@abc"},
		},
		{
			name:    "qrcode as base64 only",
			payload: `{"event":"qrcode.updated","instance":"org1_desk","data":{"qrcode":{"base64":"data:image/png"}}}`,
			want:    QRCodeUpdated{Instance: "org1_desk", Code: "data:image/png"},
		},
		{
			name:    "qrcode as string",
			payload: `{"event":"QRCODE_UPDATED","instance":"org1_desk","data":{"qrcode":"2@xyz"}}`,
			want:    QRCodeUpdated{Instance: "org1_desk", Code: "2@xyz"},
		},
		{
			name:    "status instance with status field",
			payload: `{"event":"status.instance","instance":"org1_desk","data":{"status":"closed"}}`,
			want:    StatusInstance{Instance: "org1_desk", State: provider.StateClose},
		},
		{
			name:    "unknown event kind",
			payload: `{"event":"messages.upsert","instance":"org1_desk","data":{"key":{}}}`,
			want:    UnknownEvent{Name: "MESSAGES_UPSERT", Instance: "org1_desk"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `not json`},
		{"missing event", `{"instance":"x","data":{}}`},
		{"missing instance", `{"event":"connection.update","data":{"state":"open"}}`},
		{"empty instance", `{"event":"connection.update","instance":"","data":{"state":"open"}}`},
		{"data not an object", `{"event":"connection.update","instance":"x","data":"open"}`},
		{"unknown state", `{"event":"connection.update","instance":"x","data":{"state":"refused"}}`},
		{"qrcode missing", `{"event":"qrcode.updated","instance":"x","data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput), "err = %v", err)
		})
	}
}

func TestEventKinds(t *testing.T) {
	assert.Equal(t, KindQRCodeUpdated, QRCodeUpdated{}.Kind())
	assert.Equal(t, KindConnectionUpdate, ConnectionUpdate{}.Kind())
	assert.Equal(t, KindStatusInstance, StatusInstance{}.Kind())
	assert.Equal(t, "X", UnknownEvent{Name: "X"}.Kind())
}
