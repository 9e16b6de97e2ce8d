package worker

import (
	"encoding/json"

	"github.com/rendis/control/pkg/schema"
)

// Everything crossing the worker boundary is JSON so no reference is shared
// between the pool and a worker.

func encodeRequest(req schema.Request) ([]byte, error) {
	return json.Marshal(req)
}

func decodeRequest(raw []byte) (schema.Request, error) {
	var req schema.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return schema.Request{}, schema.NewErrorf(schema.ErrCodeValidation, "decode request: %v", err).WithCause(err)
	}
	return req, nil
}

func encodeMessage(msg schema.Message) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown message type: %s", msg.Type)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode %s message: %v", msg.Type, err).WithCause(err)
	}
	return raw, nil
}

// decodeMessage fails for records that are not protocol messages.
func decodeMessage(raw []byte) (*schema.Message, error) {
	var msg schema.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode message: %v", err).WithCause(err)
	}
	if !msg.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown message type: %q", msg.Type)
	}
	return &msg, nil
}
