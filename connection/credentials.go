package connection

import (
	"context"

	"webhookrelay/internal/protocol"
	"webhookrelay/storage"
)

// DefaultCredentialsKey is where session credentials live in the store.
const DefaultCredentialsKey = "auth/credentials"

// CredentialStore persists the protocol credentials across restarts.
type CredentialStore interface {
	// Load returns nil credentials when none were saved.
	Load(ctx context.Context) (protocol.Credentials, error)
	Save(ctx context.Context, creds protocol.Credentials) error
	Clear(ctx context.Context) error
}

// StoreCredentials keeps credentials as a single record in a storage.Store.
type StoreCredentials struct {
	store storage.Store
	key   string
}

func NewStoreCredentials(store storage.Store) *StoreCredentials {
	return &StoreCredentials{store: store, key: DefaultCredentialsKey}
}

func (c *StoreCredentials) Load(ctx context.Context) (protocol.Credentials, error) {
	data, err := c.store.Get(ctx, c.key)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, credentialsFailed(err, "load")
	}
	return protocol.Credentials(data), nil
}

func (c *StoreCredentials) Save(ctx context.Context, creds protocol.Credentials) error {
	if err := c.store.Put(ctx, c.key, creds); err != nil {
		return credentialsFailed(err, "save")
	}
	return nil
}

func (c *StoreCredentials) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.key); err != nil {
		return credentialsFailed(err, "clear")
	}
	return nil
}
