package steps

import (
	"github.com/mitchellh/mapstructure"
	"github.com/rendis/leadflow/pkg/schema"
)

// decodePayload decodes a resolved step payload into out. Numbers are weakly
// typed so JSON floats decode into int fields; nil payloads leave out zeroed.
func decodePayload(key string, payload any, out any) error {
	if payload == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "build decoder: %s", err.Error()).WithStep(key).WithCause(err)
	}
	if err := dec.Decode(payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid payload: %s", err.Error()).WithStep(key).WithCause(err)
	}
	return nil
}

// payloadMap asserts the payload is an object. Nil yields an empty map.
func payloadMap(key string, payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "payload must be an object, got %T", payload).WithStep(key)
}
