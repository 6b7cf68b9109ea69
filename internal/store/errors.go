package store

import (
	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
)

func errUnknownKind(kind Kind) error {
	return errors.Wrap(exception.ErrStoreUnknownKind, "validate record").With("kind", kind)
}

func errEmptyKey(kind Kind) error {
	return errors.Wrap(exception.ErrStoreEmptyKey, "validate record").With("kind", kind)
}
