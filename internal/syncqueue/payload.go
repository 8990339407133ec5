package syncqueue

import (
	"fmt"

	"mining-accrual-go/internal/store"

	"github.com/vmihailenco/msgpack/v4"
)

// EncodePayload serializes an operation payload.
func EncodePayload(v interface{}) ([]byte, error) {
	bs, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return bs, nil
}

// DecodePayload deserializes an operation payload. A payload that cannot be
// decoded will never deliver, so it is reported as a validation failure.
func DecodePayload(bs []byte, v interface{}) error {
	if err := msgpack.Unmarshal(bs, v); err != nil {
		return fmt.Errorf("%w: undecodable payload: %v", store.ErrValidation, err)
	}
	return nil
}
