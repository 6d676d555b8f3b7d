package delivery

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeStatus    = "WEBHOOK_STATUS"
	TextCodeTransport = "WEBHOOK_TRANSPORT"
	TextCodeExhausted = "WEBHOOK_RETRIES_EXHAUSTED"
)

// ErrNonSuccessStatus marks a webhook response outside 2xx.
var ErrNonSuccessStatus = errors.New("delivery: non-2xx webhook response")

func statusError(code int, snippet string) error {
	return goerrors.Wrap(ErrNonSuccessStatus, goerrors.CategoryExternal,
		fmt.Sprintf("delivery: webhook responded %d", code)).
		WithCode(code).
		WithTextCode(TextCodeStatus).
		WithMetadata(map[string]any{"status": code, "body": snippet})
}

func transportError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "delivery: webhook request failed").
		WithTextCode(TextCodeTransport)
}

func exhaustedError(err error, attempts int) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal,
		fmt.Sprintf("delivery: failed to send message after %d attempts", attempts)).
		WithTextCode(TextCodeExhausted)
}
