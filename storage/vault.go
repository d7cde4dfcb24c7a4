package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultPersister stores snapshots in HashiCorp Vault using the KV v2
// secrets engine. The snapshot is kept base64-encoded under a single
// field of one secret path.
type VaultPersister struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
	name      string
}

// NewVaultPersister creates a Vault snapshot persister. The token may
// be empty, in which case the VAULT_TOKEN environment variable applies.
func NewVaultPersister(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultPersister, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultPersister{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
		name:      fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

func (p *VaultPersister) secretPath() string {
	return fmt.Sprintf("%s/data/%s", p.mountPath, p.dataPath)
}

// Load reads the snapshot secret; an absent secret means no snapshot yet.
func (p *VaultPersister) Load(ctx context.Context) ([]byte, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, p.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	encoded, ok := inner["state"].(string)
	if !ok {
		return nil, fmt.Errorf("snapshot secret has unexpected layout")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot secret: %w", err)
	}
	return data, nil
}

// Save replaces the snapshot secret.
func (p *VaultPersister) Save(ctx context.Context, data []byte) error {
	_, err := p.client.Logical().WriteWithContext(ctx, p.secretPath(), map[string]interface{}{
		"data": map[string]interface{}{
			"state": base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot secret: %w", err)
	}

	p.log.Debug("Persisted credential store snapshot",
		slog.String("path", p.secretPath()),
		slog.Int("size", len(data)))
	return nil
}

// Name identifies the backend in logs.
func (p *VaultPersister) Name() string {
	return p.name
}
