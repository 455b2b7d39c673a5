package searchquery

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type wireCursor struct {
	Backend string `json:"b"`
	Opaque  []byte `json:"o"`
}

// EncodeCursor renders c as an opaque page token, base64url-no-pad over a
// small JSON envelope.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}

	raw, err := json.Marshal(wireCursor{Backend: c.Backend, Opaque: c.Opaque})
	if err != nil {
		return ""
	}

	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a page token produced by EncodeCursor. An empty
// token decodes to (nil, nil).
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("searchquery: malformed cursor: %w", err)
	}

	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("searchquery: malformed cursor: %w", err)
	}

	return &Cursor{Backend: w.Backend, Opaque: w.Opaque}, nil
}
