package mlattrack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlat-network/mlat-server/internal/tracker"
)

func newTestTracker(t *testing.T, blacklistContents string) *MlatTracker {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.txt")
	if blacklistContents != "" {
		require.NoError(t, os.WriteFile(path, []byte(blacklistContents), 0644))
	}

	aircraft := tracker.NewTracker(1, 1)
	return NewMlatTracker(aircraft, nil, func(fn func()) { fn() }, path, nil, nil)
}

func TestReadBlacklistLoadsEveryLine(t *testing.T) {
	mt := newTestTracker(t, "alice\nbob\n\ncarol\n")

	assert.True(t, mt.blacklisted("alice"))
	assert.True(t, mt.blacklisted("bob"))
	assert.True(t, mt.blacklisted("carol"))
	assert.False(t, mt.blacklisted("dave"))
}

func TestReadBlacklistMissingFileLeavesEmptySet(t *testing.T) {
	mt := newTestTracker(t, "")
	assert.False(t, mt.blacklisted("anyone"))
}

func TestReadBlacklistReloadReplacesSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice\n"), 0644))

	aircraft := tracker.NewTracker(1, 1)
	mt := NewMlatTracker(aircraft, nil, func(fn func()) { fn() }, path, nil, nil)
	require.True(t, mt.blacklisted("alice"))

	require.NoError(t, os.WriteFile(path, []byte("bob\n"), 0644))
	mt.readBlacklist()

	assert.False(t, mt.blacklisted("alice"))
	assert.True(t, mt.blacklisted("bob"))
}
