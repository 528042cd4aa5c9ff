package tenantsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Notification is the raw change envelope delivered over the push
// channel, before tenant verification and classification.
type Notification struct {
	EventID       string          `json:"eventId"`
	TenantID      string          `json:"tenantId"`
	EntityType    string          `json:"entityType"`
	Type          string          `json:"type"`
	RecordID      string          `json:"recordId"`
	Version       uint64          `json:"version,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

const (
	notificationInserted = "inserted"
	notificationUpdated  = "updated"
	notificationDeleted  = "deleted"
)

const notificationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["eventId", "tenantId", "entityType", "type", "recordId"],
	"properties": {
		"eventId": {"type": "string", "minLength": 1},
		"tenantId": {"type": "string", "minLength": 1},
		"entityType": {"type": "string", "minLength": 1},
		"type": {"enum": ["inserted", "updated", "deleted"]},
		"recordId": {"type": "string", "minLength": 1},
		"version": {"type": "integer", "minimum": 0},
		"payload": {"type": "object"},
		"correlationId": {"type": "string"},
		"timestamp": {"type": "string"}
	}
}`

var notificationSchema = sync.OnceValue(func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("tenantsync: notification schema is not valid JSON: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		panic(fmt.Sprintf("tenantsync: adding notification schema resource: %v", err))
	}
	schema, err := compiler.Compile("notification.json")
	if err != nil {
		panic(fmt.Sprintf("tenantsync: compiling notification schema: %v", err))
	}
	return schema
})

// decodeNotification validates the raw envelope against the embedded
// schema and decodes it. Malformed envelopes from a buggy upstream are
// rejected here so they never reach a subscriber.
func decodeNotification(raw []byte) (Notification, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: notification is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := notificationSchema().Validate(instance); err != nil {
		return Notification{}, fmt.Errorf("%w: notification failed schema validation: %v", ErrInvalidInput, err)
	}
	var notification Notification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return Notification{}, fmt.Errorf("%w: decoding notification: %v", ErrInvalidInput, err)
	}
	return notification, nil
}
