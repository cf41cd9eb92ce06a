package instance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/channelhub/channelhub/internal/provider"
)

// Event kinds as sent by the provider after normalisation.
const (
	KindQRCodeUpdated    = "QRCODE_UPDATED"
	KindConnectionUpdate = "CONNECTION_UPDATE"
	KindStatusInstance   = "STATUS_INSTANCE"
)

// Event is an inbound provider notification. The set of implementations is
// closed: QRCodeUpdated, ConnectionUpdate, StatusInstance and UnknownEvent.
type Event interface {
	Kind() string
	ProviderName() string
	isEvent()
}

// QRCodeUpdated carries a newly issued pairing code.
type QRCodeUpdated struct {
	Instance string
	Code     string
}

// ConnectionUpdate reports a change of the provider session state.
type ConnectionUpdate struct {
	Instance string
	State    provider.State
	Reason   string
}

// StatusInstance reports the provider's instance status. It maps onto
// connection states exactly like ConnectionUpdate.
type StatusInstance struct {
	Instance string
	State    provider.State
}

// UnknownEvent is any well-formed event the service does not consume.
type UnknownEvent struct {
	Name     string
	Instance string
}

func (QRCodeUpdated) Kind() string    { return KindQRCodeUpdated }
func (ConnectionUpdate) Kind() string { return KindConnectionUpdate }
func (StatusInstance) Kind() string   { return KindStatusInstance }
func (e UnknownEvent) Kind() string   { return e.Name }

func (e QRCodeUpdated) ProviderName() string    { return e.Instance }
func (e ConnectionUpdate) ProviderName() string { return e.Instance }
func (e StatusInstance) ProviderName() string   { return e.Instance }
func (e UnknownEvent) ProviderName() string     { return e.Instance }

func (QRCodeUpdated) isEvent()    {}
func (ConnectionUpdate) isEvent() {}
func (StatusInstance) isEvent()   {}
func (UnknownEvent) isEvent()     {}

const eventSchemaURL = "channelhub://schemas/provider-event.json"

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "instance", "data"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "instance": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
		if err != nil {
			schemaErr = fmt.Errorf("failed to parse event schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(eventSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("failed to load event schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(eventSchemaURL)
	})
	return schema, schemaErr
}

// NormalizeEventName upper-cases the name and turns dots into underscores, so
// "connection.update" and "CONNECTION_UPDATE" are the same event.
func NormalizeEventName(name string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), ".", "_")
}

type rawEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type connectionData struct {
	State        string          `json:"state"`
	Status       string          `json:"status"`
	StatusReason json.RawMessage `json:"statusReason"`
}

type qrcodeData struct {
	QRCode json.RawMessage `json:"qrcode"`
}

type qrcodeObject struct {
	Code   string `json:"code"`
	Base64 string `json:"base64"`
}

// ParseEvent validates payload against the event schema and decodes it into
// one of the Event variants. Malformed payloads return an invalid_input error.
func ParseEvent(payload []byte) (Event, error) {
	sch, err := compiledEventSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, invalidInput("webhook payload is not valid JSON")
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "webhook payload does not match the event schema", Err: err}
	}

	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, invalidInput("webhook payload could not be decoded")
	}
	name := NormalizeEventName(raw.Event)

	switch name {
	case KindQRCodeUpdated:
		var d qrcodeData
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return nil, invalidInput("qrcode event data could not be decoded")
		}
		code := decodeQRCode(d.QRCode)
		if code == "" {
			return nil, invalidInput("qrcode event carries no code")
		}
		return QRCodeUpdated{Instance: raw.Instance, Code: code}, nil

	case KindConnectionUpdate, KindStatusInstance:
		var d connectionData
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return nil, invalidInput("connection event data could not be decoded")
		}
		value := d.State
		if value == "" {
			value = d.Status
		}
		state := provider.ParseState(value)
		if state == "" {
			return nil, invalidInput(fmt.Sprintf("unknown connection state %q", value))
		}
		if name == KindStatusInstance {
			return StatusInstance{Instance: raw.Instance, State: state}, nil
		}
		return ConnectionUpdate{Instance: raw.Instance, State: state, Reason: strings.Trim(string(d.StatusReason), `"`)}, nil
	}

	return UnknownEvent{Name: name, Instance: raw.Instance}, nil
}

// decodeQRCode accepts either a bare string or an object with code/base64.
func decodeQRCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj qrcodeObject
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Code != "" {
			return obj.Code
		}
		return obj.Base64
	}
	return ""
}
