package queue

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidSender = "QUEUE_INVALID_SENDER"
	TextCodeEnqueueFailed = "QUEUE_ENQUEUE_FAILED"
	TextCodeCorrupt       = "QUEUE_CORRUPT_RECORD"
)

// ErrInvalidSender is returned for sender ids that cannot form a record key.
var ErrInvalidSender = errors.New("queue: invalid sender id")

func invalidSender(sender string) error {
	return goerrors.Wrap(ErrInvalidSender, goerrors.CategoryBadInput, "queue: invalid sender id").
		WithTextCode(TextCodeInvalidSender).
		WithMetadata(map[string]any{"sender": sender})
}

func enqueueFailed(err error, sender string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, "queue: enqueue failed").
		WithTextCode(TextCodeEnqueueFailed).
		WithMetadata(map[string]any{"sender": sender})
}

func corruptRecord(err error, locator string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, "queue: corrupt record").
		WithTextCode(TextCodeCorrupt).
		WithMetadata(map[string]any{"locator": locator})
}
