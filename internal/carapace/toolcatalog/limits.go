package toolcatalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Limits bounds raw message size, payload size, per-field size, and JSON
// nesting depth ahead of schema validation. No library in the retrieved
// example pack offers JSON byte/depth limits ahead of parse (jsonschema/v5
// validates structure, not raw bytes), so this guard is implemented
// directly against encoding/json's streaming token reader.
type Limits struct {
	MaxRawBytes    int
	MaxPayloadBytes int
	MaxFieldBytes  int
	MaxDepth       int
}

// DefaultLimits matches the spec's stated defaults.
var DefaultLimits = Limits{
	MaxRawBytes:     1 << 20,
	MaxPayloadBytes: 1 << 20,
	MaxFieldBytes:   100 << 10,
	MaxDepth:        64,
}

// CheckRaw rejects raw before any further parsing if it exceeds configured
// size or nesting-depth limits.
func (l Limits) CheckRaw(raw []byte) error {
	if len(raw) > l.MaxRawBytes {
		return fmt.Errorf("toolcatalog: raw message of %d bytes exceeds limit of %d", len(raw), l.MaxRawBytes)
	}
	if err := l.checkDepthAndFieldSize(raw); err != nil {
		return err
	}
	return nil
}

// CheckPayload rejects a payload's arguments bytes if they exceed the
// configured payload size limit.
func (l Limits) CheckPayload(arguments []byte) error {
	if len(arguments) > l.MaxPayloadBytes {
		return fmt.Errorf("toolcatalog: payload of %d bytes exceeds limit of %d", len(arguments), l.MaxPayloadBytes)
	}
	return nil
}

// checkDepthAndFieldSize streams raw token-by-token so it never allocates a
// full decoded tree before rejecting an oversized or overly deep document.
func (l Limits) checkDepthAndFieldSize(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("toolcatalog: malformed JSON: %w", err)
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
				if depth > l.MaxDepth {
					return fmt.Errorf("toolcatalog: JSON nesting depth exceeds limit of %d", l.MaxDepth)
				}
			case '}', ']':
				depth--
			}
		case string:
			if len(t) > l.MaxFieldBytes {
				return fmt.Errorf("toolcatalog: field value of %d bytes exceeds limit of %d", len(t), l.MaxFieldBytes)
			}
		}
	}
}
