package bookmarks

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"marksync/internal/record"
)

// Well-known structural folder guids. The synthetic root never has a storage
// row; ref 0 is reserved for it.
const (
	RootGUID    = "root"
	MenuGUID    = "menu"
	ToolbarGUID = "toolbar"
	TagsGUID    = "tags"
	UnfiledGUID = "unfiled"
	MobileGUID  = "mobile"

	rootRef int64 = 0
)

// specialParents fixes each structural folder's parent. No record is allowed
// to override these.
var specialParents = map[string]string{
	RootGUID:    "",
	MenuGUID:    RootGUID,
	ToolbarGUID: RootGUID,
	TagsGUID:    RootGUID,
	UnfiledGUID: RootGUID,
	MobileGUID:  RootGUID,
}

// visibleRoots are the structural folders that actually get storage rows, in
// creation order. The root and tags are placeholders and are never
// materialized.
var visibleRoots = []string{MobileGUID, ToolbarGUID, MenuGUID, UnfiledGUID}

// IsSpecialGUID reports whether guid names a structural folder.
func IsSpecialGUID(guid string) bool {
	_, ok := specialParents[guid]
	return ok
}

// StructuralRoots lists the structural folders that receive storage rows,
// in creation order. The synthetic root and the tags placeholder are not
// among them.
func StructuralRoots() []string {
	return slices.Clone(visibleRoots)
}

// forbidden reports whether guid may never appear in a children sequence or
// be materialized as a record: the tree root, the unsynced tags root, and
// the empty id.
func forbidden(guid string) bool {
	return guid == "" || guid == RootGUID || guid == TagsGUID
}

//go:embed names.yaml
var namesYAML []byte

// specialFolders resolves fixed parents and localized display names for the
// structural folders.
type specialFolders struct {
	names map[string]string
}

// newSpecialFolders loads display names for the given locale, falling back
// to the bare language tag, then en-US.
func newSpecialFolders(locale string) (*specialFolders, error) {
	var locales map[string]map[string]string
	if err := yaml.Unmarshal(namesYAML, &locales); err != nil {
		return nil, fmt.Errorf("parsing folder names: %w", err)
	}
	names, ok := locales[locale]
	if !ok {
		if lang, _, found := strings.Cut(locale, "-"); found {
			names, ok = locales[lang]
		}
	}
	if !ok {
		names = locales["en-US"]
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("folder names: no en-US fallback in locale table")
	}
	return &specialFolders{names: names}, nil
}

// displayName returns the localized name of a structural folder, or "" for
// anything else. The tags placeholder deliberately has no name.
func (sf *specialFolders) displayName(guid string) string {
	return sf.names[guid]
}

// computeParent fills b's parent linkage. Structural folders get their fixed
// parent from the registry, ignoring any suggestion; everything else adopts
// the suggested parent. The parent name is canonicalized whenever the chosen
// parent is itself a structural folder.
func (sf *specialFolders) computeParent(b *record.Bookmark, suggestedID, suggestedName string) error {
	if b.GUID == "" {
		return ErrNoID
	}
	parentID, special := specialParents[b.GUID]
	if !special {
		parentID = suggestedID
	}
	if parentID == "" {
		return fmt.Errorf("record %s: %w", b.GUID, ErrNoParent)
	}
	name := sf.displayName(parentID)
	if name == "" {
		name = suggestedName
	}
	b.ParentID = parentID
	b.ParentName = name
	return nil
}
