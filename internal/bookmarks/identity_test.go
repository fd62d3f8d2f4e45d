package bookmarks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderIdentity_SeedsSyntheticRoot(t *testing.T) {
	fi := newFolderIdentity()

	ref, ok := fi.refOf(RootGUID)
	require.True(t, ok)
	assert.Equal(t, rootRef, ref)

	guid, ok := fi.guidOf(rootRef)
	require.True(t, ok)
	assert.Equal(t, RootGUID, guid)
	assert.Equal(t, 1, fi.size())
}

func TestFolderIdentity_PutAndLookupBothDirections(t *testing.T) {
	fi := newFolderIdentity()

	require.NoError(t, fi.put("mobile", 2))
	require.NoError(t, fi.put("toolbar", 3))

	ref, ok := fi.refOf("mobile")
	require.True(t, ok)
	assert.Equal(t, int64(2), ref)

	guid, ok := fi.guidOf(3)
	require.True(t, ok)
	assert.Equal(t, "toolbar", guid)

	_, ok = fi.refOf("nonexistent")
	assert.False(t, ok)
	_, ok = fi.guidOf(99)
	assert.False(t, ok)
}

func TestFolderIdentity_RepeatedPutIsIdempotent(t *testing.T) {
	fi := newFolderIdentity()

	require.NoError(t, fi.put("mobile", 2))
	require.NoError(t, fi.put("mobile", 2))
	assert.Equal(t, 2, fi.size())
}

func TestFolderIdentity_ConflictingRefFails(t *testing.T) {
	fi := newFolderIdentity()
	require.NoError(t, fi.put("mobile", 2))

	err := fi.put("toolbar", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentityConflict)
}

func TestFolderIdentity_ConflictingGUIDFails(t *testing.T) {
	fi := newFolderIdentity()
	require.NoError(t, fi.put("mobile", 2))

	err := fi.put("mobile", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentityConflict)
}

func TestFolderIdentity_RootRefCannotBeReclaimed(t *testing.T) {
	fi := newFolderIdentity()

	err := fi.put("someFolder11", rootRef)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentityConflict)
}
