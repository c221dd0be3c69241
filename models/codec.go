package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Encode serializes a record for storage.
func Encode(record interface{}) ([]byte, error) {
	data, err := rlp.EncodeToBytes(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", record, err)
	}
	return data, nil
}

// Decode deserializes a stored record into out.
func Decode(data []byte, out interface{}) error {
	if err := rlp.DecodeBytes(data, out); err != nil {
		return fmt.Errorf("failed to decode %T: %w", out, err)
	}
	return nil
}
