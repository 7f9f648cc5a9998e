package result

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Document is a JSON result document that command handlers append typed
// fields to. Paths use sjson dot syntax, so "files.done" creates the nested
// object on demand.
type Document struct {
	raw string
}

// New returns an empty document.
func New() *Document {
	return &Document{raw: `{}`}
}

// Parse wraps existing JSON. It returns an error if raw is not a JSON object.
func Parse(raw []byte) (*Document, error) {
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return nil, fmt.Errorf("result document is not a JSON object")
	}
	return &Document{raw: string(raw)}, nil
}

// Set stores value at path.
func (d *Document) Set(path string, value any) error {
	raw, err := sjson.Set(d.raw, path, value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", path, err)
	}
	d.raw = raw
	return nil
}

// SetDocument stores sub as a nested object at path.
func (d *Document) SetDocument(path string, sub *Document) error {
	raw, err := sjson.SetRaw(d.raw, path, sub.raw)
	if err != nil {
		return fmt.Errorf("setting %s: %w", path, err)
	}
	d.raw = raw
	return nil
}

// Merge copies every top-level field of other into d, overwriting existing keys.
func (d *Document) Merge(other *Document) error {
	var err error
	gjson.Parse(other.raw).ForEach(func(key, value gjson.Result) bool {
		var raw string
		raw, err = sjson.SetRaw(d.raw, escapePath(key.String()), value.Raw)
		if err != nil {
			return false
		}
		d.raw = raw
		return true
	})
	if err != nil {
		return fmt.Errorf("merging documents: %w", err)
	}
	return nil
}

// Get returns the value at path.
func (d *Document) Get(path string) gjson.Result {
	return gjson.Get(d.raw, path)
}

// Has reports whether path is present.
func (d *Document) Has(path string) bool {
	return gjson.Get(d.raw, path).Exists()
}

func (d *Document) String() string { return d.raw }

func (d *Document) Bytes() []byte { return []byte(d.raw) }

// escapePath escapes the characters sjson treats as path syntax.
func escapePath(key string) string {
	var out []byte
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
