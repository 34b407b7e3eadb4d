// Package credstore keeps the session blob in durable storage. It never
// looks inside the blob.
package credstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/roomies/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/cryptox"
	"github.com/dmitrijs2005/roomies/internal/filex"
)

// Store is the secure credential store used by the auth session manager.
type Store interface {
	Save(ctx context.Context, blob []byte) error
	// Load returns common.ErrNotFound when nothing is stored.
	Load(ctx context.Context) ([]byte, error)
	Clear(ctx context.Context) error
}

const (
	deviceSecretSize = 32
	keySalt          = "roomies/credstore/v1"
)

// SealedStore encrypts the blob with AES-GCM and keeps it in the metadata
// table. The key is derived from a random per-device secret file.
type SealedStore struct {
	repo metadata.Repository
	key  []byte
}

// NewSealedStore loads or creates the device secret at keyFile.
func NewSealedStore(repo metadata.Repository, keyFile string) (*SealedStore, error) {
	secret, err := filex.ReadOrCreateSecret(keyFile, deviceSecretSize, common.GenerateRandByteArray)
	if err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}
	defer common.WipeByteArray(secret)

	return &SealedStore{repo: repo, key: cryptox.DeriveKey(secret, []byte(keySalt))}, nil
}

func (s *SealedStore) Save(ctx context.Context, blob []byte) error {
	sealed, err := cryptox.Seal(blob, s.key)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	return s.repo.Set(ctx, metadata.KeySession, sealed)
}

func (s *SealedStore) Load(ctx context.Context) ([]byte, error) {
	sealed, err := s.repo.Get(ctx, metadata.KeySession)
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, common.ErrNotFound
	}
	blob, err := cryptox.Open(sealed, s.key)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	return blob, nil
}

func (s *SealedStore) Clear(ctx context.Context) error {
	return s.repo.Delete(ctx, metadata.KeySession)
}

// MemoryStore keeps the blob in process memory only.
type MemoryStore struct {
	mu   sync.Mutex
	blob []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blob == nil {
		return nil, common.ErrNotFound
	}
	return append([]byte(nil), m.blob...), nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	common.WipeByteArray(m.blob)
	m.blob = nil
	return nil
}
