package protocol

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/event_submit.schema.json
var eventSubmitSchemaSrc string

var eventSubmitSchema = jsonschema.MustCompileString("event_submit.schema.json", eventSubmitSchemaSrc)

// ValidateEventSubmit checks a raw EVENT_SUBMIT document against the boundary
// schema. Invalid documents never reach the scheduler.
func ValidateEventSubmit(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	if err := eventSubmitSchema.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	return nil
}
