package storage

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeIO         = "STORE_IO"
	TextCodeNotFound   = "STORE_NOT_FOUND"
	TextCodeInvalidKey = "STORE_INVALID_KEY"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("storage: record not found")

var errInvalidComponent = errors.New("storage: invalid key component")

func invalidKey(key string) error {
	return goerrors.Wrap(errInvalidComponent, goerrors.CategoryBadInput, "storage: invalid key").
		WithTextCode(TextCodeInvalidKey).
		WithMetadata(map[string]any{"key": key})
}

func notFound(key string) error {
	return goerrors.Wrap(ErrNotFound, goerrors.CategoryNotFound, "storage: record not found").
		WithTextCode(TextCodeNotFound).
		WithMetadata(map[string]any{"key": key})
}

func ioError(err error, op, key string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, "storage: "+op+" failed").
		WithTextCode(TextCodeIO).
		WithMetadata(map[string]any{"key": key, "op": op})
}

// IsNotFound reports whether err marks a missing record.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode == TextCodeNotFound
	}
	return false
}
