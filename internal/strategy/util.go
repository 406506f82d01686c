package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/readwise"
)

// decodeParams fills out from the job params. Unknown fields are rejected so
// a typo does not silently fall back to a default.
func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode job params: %w", err)
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func firstTime(ts ...readwise.Timestamp) *time.Time {
	for _, t := range ts {
		if p := t.Ptr(); p != nil {
			return p
		}
	}
	return nil
}

func labelOf(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}
