package tree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// isYAML reports whether path selects the YAML bundle encoding.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// DecodeBundle parses a bundle in JSON or YAML.
func DecodeBundle(data []byte, asYAML bool) (Bundle, error) {
	var b Bundle
	if asYAML {
		if err := yaml.Unmarshal(data, &b); err != nil {
			return Bundle{}, &FormatError{Reason: "yaml", Err: err}
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&b); err != nil {
			return Bundle{}, &FormatError{Reason: "json", Err: err}
		}
	}
	if b.Connections == nil {
		return Bundle{}, &FormatError{Reason: "missing connections"}
	}
	return b, nil
}

// EncodeBundle renders a bundle as indented JSON or YAML.
func EncodeBundle(b Bundle, asYAML bool) ([]byte, error) {
	if asYAML {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(b); err != nil {
			return nil, fmt.Errorf("encode yaml bundle: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml bundle: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json bundle: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadBundleFile loads a bundle, choosing YAML for .yaml/.yml paths.
func ReadBundleFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle: %w", err)
	}
	return DecodeBundle(data, isYAML(path))
}

// WriteBundleFile writes b to path with owner-only permissions.
func WriteBundleFile(path string, b Bundle) error {
	data, err := EncodeBundle(b, isYAML(path))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create bundle directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// ImportFile reads the bundle at path and merges it into the store.
func (s *Store) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	b, err := ReadBundleFile(path)
	if err != nil {
		return ImportResult{}, err
	}
	return s.ImportMerge(ctx, b)
}

// ExportFile writes ExportAll to path.
func (s *Store) ExportFile(ctx context.Context, path string) error {
	b, err := s.ExportAll(ctx)
	if err != nil {
		return err
	}
	return WriteBundleFile(path, b)
}
