package connection

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeDialFailed       = "CONNECTION_DIAL_FAILED"
	TextCodeRetriesExhausted = "CONNECTION_RETRIES_EXHAUSTED"
	TextCodeCredentials      = "CONNECTION_CREDENTIALS"
)

// ErrReconnectBudgetExhausted is surfaced on Fatal once recoverable
// disconnects exceed the retry ceiling.
var ErrReconnectBudgetExhausted = errors.New("connection: reconnect attempts exhausted")

func dialFailed(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "connection: open session failed").
		WithTextCode(TextCodeDialFailed)
}

func retriesExhausted(retries int, last error) error {
	meta := map[string]any{"retries": retries}
	if last != nil {
		meta["last_error"] = last.Error()
	}
	return goerrors.Wrap(ErrReconnectBudgetExhausted, goerrors.CategoryExternal, "connection: reconnect attempts exhausted").
		WithTextCode(TextCodeRetriesExhausted).
		WithMetadata(meta)
}

func credentialsFailed(err error, op string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, "connection: "+op+" credentials failed").
		WithTextCode(TextCodeCredentials)
}
