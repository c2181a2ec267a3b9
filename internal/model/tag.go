package model

import "strings"

const (
	// Separator joins a collection name and a pass name into a branch key.
	Separator = "_"

	// EventHeaderKey is the fixed, unqualified branch key of the header.
	EventHeaderKey = "EventHeader"

	// EventHeaderType is the catalog type name of the header.
	EventHeaderType = "EventHeader"
)

// ProductTag identifies one logical data product.
type ProductTag struct {
	Name string `json:"name"`
	Pass string `json:"pass"`
	Type string `json:"type"`
}

// String formats the tag as name/pass/type.
func (t ProductTag) String() string {
	return t.Name + "/" + t.Pass + "/" + t.Type
}

// BranchKey returns the on-disk column name for a collection in a pass.
func BranchKey(name, pass string) string {
	if name == EventHeaderKey {
		return EventHeaderKey
	}
	return name + Separator + pass
}

// SplitBranchKey is the inverse of BranchKey. The pass is everything after the
// last separator; the header key splits into (EventHeaderKey, "").
func SplitBranchKey(key string) (name, pass string) {
	if key == EventHeaderKey {
		return EventHeaderKey, ""
	}
	i := strings.LastIndex(key, Separator)
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+len(Separator):]
}

// ValidName reports whether a collection or pass name may be used in a key.
func ValidName(name string) bool {
	return name != "" && !strings.Contains(name, Separator)
}
