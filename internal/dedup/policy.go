package dedup

import (
	"fmt"
	"sort"
	"strings"
)

// Policy decides what a merge does with a field present on both sides.
// A field missing from the stored item is always filled from the candidate,
// and a field missing from the candidate never clears the stored value.
type Policy string

// Field policies.
const (
	// FillNull keeps the stored value once set.
	FillNull Policy = "fill_null"
	// Authoritative replaces the stored value with the candidate's.
	Authoritative Policy = "authoritative"
	// UserEdit marks user-owned data that imports never overwrite.
	UserEdit Policy = "user_edit"
)

// Field names a mergeable item attribute.
type Field string

// Mergeable fields.
const (
	FieldURL            Field = "url"
	FieldTitle          Field = "title"
	FieldAuthor         Field = "author"
	FieldSummary        Field = "summary"
	FieldCategory       Field = "category"
	FieldImageURL       Field = "image_url"
	FieldWordCount      Field = "word_count"
	FieldPublishedAt    Field = "published_at"
	FieldSavedAt        Field = "saved_at"
	FieldFulltext       Field = "fulltext"
	FieldFulltextHTML   Field = "fulltext_html"
	FieldFulltextSource Field = "fulltext_source"
	FieldNotes          Field = "notes"
	FieldTags           Field = "tags"
)

// Policies maps every mergeable field to its policy.
type Policies map[Field]Policy

// DefaultPolicies treats upstream metadata and fulltext as authoritative on
// re-import, keeps first-seen URL and save time, and protects user edits.
func DefaultPolicies() Policies {
	return Policies{
		FieldURL:            FillNull,
		FieldTitle:          Authoritative,
		FieldAuthor:         Authoritative,
		FieldSummary:        Authoritative,
		FieldCategory:       Authoritative,
		FieldImageURL:       Authoritative,
		FieldWordCount:      Authoritative,
		FieldPublishedAt:    Authoritative,
		FieldSavedAt:        FillNull,
		FieldFulltext:       Authoritative,
		FieldFulltextHTML:   Authoritative,
		FieldFulltextSource: Authoritative,
		FieldNotes:          UserEdit,
		FieldTags:           UserEdit,
	}
}

// Of returns the field's policy, defaulting to FillNull.
func (p Policies) Of(f Field) Policy {
	if policy, ok := p[f]; ok {
		return policy
	}
	return FillNull
}

// Override returns a copy of the defaults with the configured entries applied.
func Override(overrides map[string]string) (Policies, error) {
	out := DefaultPolicies()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field := Field(strings.ToLower(strings.TrimSpace(k)))
		if _, known := out[field]; !known {
			return nil, fmt.Errorf("unknown dedup field %q", k)
		}
		policy := Policy(strings.ToLower(strings.TrimSpace(overrides[k])))
		switch policy {
		case FillNull, Authoritative, UserEdit:
			out[field] = policy
		default:
			return nil, fmt.Errorf("unknown dedup policy %q for field %q", overrides[k], k)
		}
	}
	return out, nil
}
