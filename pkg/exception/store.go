package exception

import "github.com/yanun0323/errors"

// Store errors
var (
	ErrStoreClosed            = errors.New("store: closed")
	ErrStoreEmptyKey          = errors.New("store: empty record key")
	ErrStoreUnknownKind       = errors.New("store: unknown record kind")
	ErrStoreNilCallback       = errors.New("store: nil subscription callback")
	ErrStoreUnsupportedDriver = errors.New("store: unsupported driver")
)
