package queue

import (
	"encoding/json"
	"fmt"
)

// EncodePayload converts an enqueue argument to the bytes stored in the item
// node:
//   - []byte and json.RawMessage are stored as-is
//   - string is stored as its bytes
//   - anything else is stored as its JSON text
func EncodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, ErrNilPayload
	case []byte:
		if p == nil {
			return nil, ErrNilPayload
		}
		return p, nil
	case json.RawMessage:
		return []byte(p), nil
	case string:
		return []byte(p), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize payload: %w", err)
		}
		return data, nil
	}
}
