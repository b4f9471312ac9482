package backend

import (
	"encoding/json"
	"fmt"
)

// changeEnvelope covers both the bare and the data-wrapped shapes the push
// transport emits for row changes.
type changeEnvelope struct {
	Data *changeBody `json:"data"`
	changeBody
}

type changeBody struct {
	Type      string                 `json:"type"`
	EventType string                 `json:"eventType"`
	Table     string                 `json:"table"`
	Record    map[string]interface{} `json:"record"`
	OldRecord map[string]interface{} `json:"old_record"`
}

func decodeChange(collection string, payload []byte) (Change, error) {
	var env changeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	body := env.changeBody
	if env.Data != nil {
		body = *env.Data
	}
	kind := body.Type
	if kind == "" {
		kind = body.EventType
	}
	if kind == "" {
		return Change{}, fmt.Errorf("change event missing type")
	}
	return Change{
		Collection: collection,
		Kind:       kind,
		Row:        body.Record,
		Old:        body.OldRecord,
	}, nil
}
