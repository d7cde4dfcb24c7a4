package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/device-trust-manager/interfaces"
)

// StoreFactory creates credential stores from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a factory instance.
func NewStoreFactory(log *slog.Logger) *StoreFactory {
	return &StoreFactory{log: log}
}

// StoreFor creates a credential store from a location URI.
//
// Supported schemes:
//   - mem:// - volatile in-memory store
//   - file:///path/state.json - filesystem snapshots
//   - s3://bucket/prefix?region=&endpoint=&access_key=&secret_key= - S3 snapshots
//   - vault://host:port/mount/path?token=&scheme=https - Vault KV v2 snapshots
func (f *StoreFactory) StoreFor(ctx context.Context, locationURI string) (interfaces.CredentialStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem":
		return NewMemoryStore(), nil
	case "file":
		persister, err := NewFilePersister(u.Path, f.log)
		if err != nil {
			return nil, err
		}
		return NewPersistentStore(ctx, persister, f.log)
	case "s3":
		q := u.Query()
		persister, err := NewS3Persister(
			u.Host,
			u.Path,
			q.Get("region"),
			q.Get("endpoint"),
			q.Get("access_key"),
			q.Get("secret_key"),
			f.log,
		)
		if err != nil {
			return nil, err
		}
		return NewPersistentStore(ctx, persister, f.log)
	case "vault":
		q := u.Query()
		scheme := q.Get("scheme")
		if scheme == "" {
			scheme = "https"
		}
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("vault URI must be vault://host:port/mount/path")
		}
		persister, err := NewVaultPersister(
			fmt.Sprintf("%s://%s", scheme, u.Host),
			parts[0],
			parts[1],
			q.Get("token"),
			f.log,
		)
		if err != nil {
			return nil, err
		}
		return NewPersistentStore(ctx, persister, f.log)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}
