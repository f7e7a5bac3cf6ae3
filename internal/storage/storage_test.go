package storage

import (
	"path/filepath"
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "session.json")
	store := NewFileStore(path)

	_, found, err := store.Load()
	assert.NoError(err)
	assert.False(found)

	snap := Snapshot{
		DevNonce: 42,
		Joined:   true,
		DevAddr:  0x26011f2a,
		NwkSKey:  lorawan.AES128Key{1, 2, 3},
		AppSKey:  lorawan.AES128Key{4, 5, 6},
		FCntUp:   100,
		FCntDown: 0xffffffff,
	}
	assert.NoError(store.Save(snap))

	got, found, err := store.Load()
	assert.NoError(err)
	assert.True(found)
	assert.Equal(snap, got)

	// A second save replaces the first snapshot.
	snap.DevNonce = 43
	assert.NoError(store.Save(snap))

	got, found, err = store.Load()
	assert.NoError(err)
	assert.True(found)
	assert.EqualValues(43, got.DevNonce)
}

func TestMemoryStore(t *testing.T) {
	assert := require.New(t)

	store := NewMemoryStore()

	_, found, err := store.Load()
	assert.NoError(err)
	assert.False(found)

	assert.NoError(store.Save(Snapshot{DevNonce: 7}))

	got, found, err := store.Load()
	assert.NoError(err)
	assert.True(found)
	assert.EqualValues(7, got.DevNonce)
}
