package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format names an on-disk encoding of a State.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a Format from a file extension; anything that is
// not .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode reads a State from r. An empty document decodes to an empty State.
func Decode(r io.Reader, format Format) (State, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return New(), nil
	}

	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml state: %w", err)
		}
	case FormatJSON, "":
		if err := unmarshalNumbers(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode json state: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown state format %q", format)
	}

	p, err := Plain(doc)
	if err != nil {
		return nil, err
	}
	st, ok := Coerce(p)
	if !ok {
		return nil, fmt.Errorf("state document must be a mapping, got %T", doc)
	}
	return st, nil
}

// ReadFile decodes the State stored at path.
func ReadFile(path string) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f, FormatFromPath(path))
}

// Encode writes the plain form of s to w.
func Encode(w io.Writer, s State, format Format) error {
	p, err := Plain(s)
	if err != nil {
		return err
	}
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encode yaml state: %w", err)
		}
		return enc.Close()
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encode json state: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown state format %q", format)
	}
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
