package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedJob is returned for message bodies that are not a JSON object
// with a string "type" field.
var ErrMalformedJob = errors.New("malformed job")

// Job is a render request received from the broker. The wire form is a flat
// JSON object: {"type": "card", "id": "42"}.
type Job struct {
	Kind    string
	Payload map[string]any
}

// DecodeJob parses a broker message body.
func DecodeJob(body []byte) (Job, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if fields == nil {
		return Job{}, fmt.Errorf("%w: body is not an object", ErrMalformedJob)
	}

	kind, ok := fields["type"].(string)
	if !ok || kind == "" {
		return Job{}, fmt.Errorf("%w: missing type", ErrMalformedJob)
	}
	delete(fields, "type")

	return Job{Kind: kind, Payload: fields}, nil
}

// String returns the payload field key as a string, reporting whether it was
// present with a string value.
func (j Job) String(key string) (string, bool) {
	v, ok := j.Payload[key].(string)
	return v, ok
}
