package state

import "context"

// Store is a string key/value store. Keys are namespaced by prefix:
// "hl:" for exchange nonces, "ops:" for the operator surface, "exec:" for
// order receipts and "hedge:" for loop records.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
