package codeset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads code sets from path. A directory holds one document per set
// (NAME.json, NAME.yaml or NAME.yml, each a list of codes); a file is a single
// JSON object mapping set names to code lists.
func Load(path, version string) (*Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat code sets %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path, version)
	}
	return LoadFile(path, version)
}

// LoadFile reads a combined JSON document.
func LoadFile(path, version string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open code sets: %w", err)
	}
	defer f.Close()
	return Decode(f, version)
}

// Decode parses a combined JSON document of the form {"NAME": ["code", ...]}.
func Decode(r io.Reader, version string) (*Registry, error) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode code sets: %w", err)
	}
	sources := make(map[string][]string, len(doc))
	for name, raw := range doc {
		entries, err := decodeJSONList(name, raw)
		if err != nil {
			return nil, err
		}
		sources[name] = entries
	}
	return NewRegistry(version, sources)
}

// LoadDir reads one document per code set from dir. Files with other
// extensions are ignored.
func LoadDir(dir, version string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read code set dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	sources := make(map[string][]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if _, dup := sources[name]; dup {
			return nil, &MalformedCodeSetError{Set: name, Index: -1, Reason: "defined by more than one file"}
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read code set %s: %w", name, err)
		}
		var list []string
		if ext == ".json" {
			list, err = decodeJSONList(name, data)
		} else {
			list, err = decodeYAMLList(name, data)
		}
		if err != nil {
			return nil, err
		}
		sources[name] = list
	}
	return NewRegistry(version, sources)
}

func decodeJSONList(name string, raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []any
	// null decodes without error into a nil slice; [] does not.
	if err := dec.Decode(&items); err != nil || items == nil {
		return nil, &MalformedCodeSetError{Set: name, Index: -1, Reason: "value is not a list of codes"}
	}
	return stringify(name, items)
}

func decodeYAMLList(name string, raw []byte) ([]string, error) {
	var items []any
	if err := yaml.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, &MalformedCodeSetError{Set: name, Index: -1, Reason: "value is not a list of codes"}
	}
	return stringify(name, items)
}

func stringify(name string, items []any) ([]string, error) {
	out := make([]string, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			out[i] = v
		case json.Number:
			out[i] = v.String()
		case int:
			out[i] = strconv.Itoa(v)
		default:
			return nil, &MalformedCodeSetError{Set: name, Index: i, Entry: fmt.Sprint(item), Reason: "entry is not a string"}
		}
	}
	return out, nil
}
