package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeHost struct {
	networkID uint64
	resets    int
}

func (h *fakeHost) SetNetworkID(id uint64)      { h.networkID = id }
func (h *fakeHost) DownloadMan() DownloadManager { return nil }
func (h *fakeHost) IsSyncing() bool             { return false }
func (h *fakeHost) NoteNewTransactions()        {}
func (h *fakeHost) NoteNewBlocks()              {}
func (h *fakeHost) Reset()                      { h.resets++ }

func TestWeakHandleUpgradesWhileRegistered(t *testing.T) {
	fh := &fakeHost{}
	handle := RegisterCapability(fh, &Capability{NetworkID: 1})

	got, ok := handle.Upgrade()
	assert.True(t, ok)
	assert.Same(t, fh, got)
}

func TestWeakHandleFailsToUpgradeAfterUnregister(t *testing.T) {
	fh := &fakeHost{}
	handle := RegisterCapability(fh, &Capability{})

	handle.Unregister()

	_, ok := handle.Upgrade()
	assert.False(t, ok)
}
