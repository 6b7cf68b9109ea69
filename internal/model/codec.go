package model

import (
	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Encode serialises a record payload.
func Encode(v any) ([]byte, error) {
	buf, err := sonic.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal record payload")
	}
	return buf, nil
}

// Decode deserialises a record payload into T.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, errors.Errorf("empty record payload")
	}
	if err := sonic.Unmarshal(payload, &v); err != nil {
		return v, errors.Wrap(err, "unmarshal record payload")
	}
	return v, nil
}
