// Package storage persists the small set of session state that must survive
// a reboot, most importantly the join DevNonce.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// Snapshot is the persisted session state.
type Snapshot struct {
	DevNonce uint16            `json:"dev_nonce"`
	Joined   bool              `json:"joined"`
	DevAddr  uint32            `json:"dev_addr"`
	NwkSKey  lorawan.AES128Key `json:"nwk_s_key"`
	AppSKey  lorawan.AES128Key `json:"app_s_key"`
	FCntUp   uint32            `json:"f_cnt_up"`
	FCntDown uint32            `json:"f_cnt_down"`
}

// Store persists session snapshots.
type Store interface {
	// Save writes the snapshot. The write must be atomic so a power cut
	// never leaves a half-written nonce behind.
	Save(s Snapshot) error

	// Load reads the last snapshot. Returns found=false when nothing has
	// been saved yet.
	Load() (Snapshot, bool, error)
}

// FileStore is a JSON-file backed Store.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore writing to the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save implements Store. The snapshot is written to a temp file in the same
// directory and renamed over the target.
func (f *FileStore) Save(s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot error")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return errors.Wrap(err, "create temp file error")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write snapshot error")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file error")
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrap(err, "rename snapshot error")
	}
	return nil
}

// Load implements Store.
func (f *FileStore) Load() (Snapshot, bool, error) {
	var s Snapshot

	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return s, false, nil
	}
	if err != nil {
		return s, false, errors.Wrap(err, "read snapshot error")
	}

	if err := json.Unmarshal(b, &s); err != nil {
		return s, false, errors.Wrap(err, "unmarshal snapshot error")
	}
	return s, true, nil
}

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	snapshot Snapshot
	found    bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements Store.
func (m *MemoryStore) Save(s Snapshot) error {
	m.snapshot = s
	m.found = true
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load() (Snapshot, bool, error) {
	return m.snapshot, m.found, nil
}
