// Package snapshot archives raw response bodies so parses can be replayed
// without re-fetching. Providers return a URI for the stored object.
package snapshot

import "context"

// Provider persists one snapshot and returns its URI.
type Provider interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Noop discards snapshots. Used when archiving is disabled.
type Noop struct{}

// PutObject drops the data and returns an empty URI.
func (Noop) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
