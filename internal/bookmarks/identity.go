package bookmarks

import "fmt"

// folderIdentity is the session-scoped bijection between folder guids and
// local refs, seeded with the synthetic root at ref 0. It only grows during
// a session; rebinding either side to a different value is corruption.
type folderIdentity struct {
	refByGUID map[string]int64
	guidByRef map[int64]string
}

func newFolderIdentity() *folderIdentity {
	fi := &folderIdentity{
		refByGUID: make(map[string]int64),
		guidByRef: make(map[int64]string),
	}
	fi.refByGUID[RootGUID] = rootRef
	fi.guidByRef[rootRef] = RootGUID
	return fi
}

// put binds guid and ref in both directions. A ref already claimed by a
// different guid (or vice versa) fails with ErrIdentityConflict.
func (fi *folderIdentity) put(guid string, ref int64) error {
	if bound, ok := fi.guidByRef[ref]; ok && bound != guid {
		return fmt.Errorf("%w: ref %d belongs to %q, claimed by %q", ErrIdentityConflict, ref, bound, guid)
	}
	if bound, ok := fi.refByGUID[guid]; ok && bound != ref {
		return fmt.Errorf("%w: %q maps to ref %d, claimed ref %d", ErrIdentityConflict, guid, bound, ref)
	}
	fi.refByGUID[guid] = ref
	fi.guidByRef[ref] = guid
	return nil
}

// refOf resolves a folder guid to its local ref. A miss is not an error:
// the caller decides whether it means "not seen yet" or worse.
func (fi *folderIdentity) refOf(guid string) (int64, bool) {
	ref, ok := fi.refByGUID[guid]
	return ref, ok
}

// guidOf resolves a local ref back to its folder guid.
func (fi *folderIdentity) guidOf(ref int64) (string, bool) {
	guid, ok := fi.guidByRef[ref]
	return guid, ok
}

func (fi *folderIdentity) size() int {
	return len(fi.refByGUID)
}
