package codeset

import (
	"sort"
	"strings"
)

// Set is an immutable, normalized collection of clinical codes.
type Set struct {
	Name    string
	Version string
	codes   map[string]struct{}
}

// Normalize canonicalizes a clinical code: upper-case, letters and digits
// only. Purely numeric codes shorter than three digits are zero-padded so
// MS-DRG "3" and "003" compare equal.
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	digits := true
	for _, r := range code {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
			digits = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
			digits = false
		}
	}
	out := b.String()
	if digits && len(out) > 0 && len(out) < 3 {
		out = strings.Repeat("0", 3-len(out)) + out
	}
	return out
}

// validToken reports whether raw is an acceptable source entry.
func validToken(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	alnum := false
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			alnum = true
		case r == '.', r == '-', r == '_', r == ' ':
		default:
			return "", false
		}
	}
	if !alnum {
		return "", false
	}
	return Normalize(trimmed), true
}

// NewSet builds a set from raw source entries. Any entry that is not a valid
// code token fails the whole set with a *MalformedCodeSetError.
func NewSet(name, version string, entries []string) (*Set, error) {
	s := &Set{Name: name, Version: version, codes: make(map[string]struct{}, len(entries))}
	for i, raw := range entries {
		code, ok := validToken(raw)
		if !ok {
			return nil, &MalformedCodeSetError{Set: name, Index: i, Entry: raw, Reason: "not a valid code token"}
		}
		s.codes[code] = struct{}{}
	}
	return s, nil
}

// Contains reports whether code is a member. The exact-key lookup covers codes
// that were already normalized upstream; anything else is normalized first.
func (s *Set) Contains(code string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.codes[code]; ok {
		return true
	}
	n := Normalize(code)
	if n == code {
		return false
	}
	_, ok := s.codes[n]
	return ok
}

// Len returns the number of distinct codes.
func (s *Set) Len() int { return len(s.codes) }

// Codes returns the members in sorted order.
func (s *Set) Codes() []string {
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Registry maps code-set names to sets for one version. It is never mutated
// after construction and is safe for concurrent readers.
type Registry struct {
	version string
	sets    map[string]*Set
}

// NewRegistry builds a registry from named source lists.
func NewRegistry(version string, sources map[string][]string) (*Registry, error) {
	r := &Registry{version: version, sets: make(map[string]*Set, len(sources))}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, err := NewSet(name, version, sources[name])
		if err != nil {
			return nil, err
		}
		r.sets[name] = s
	}
	return r, nil
}

// Version returns the version tag the registry was loaded for.
func (r *Registry) Version() string { return r.version }

// Lookup returns the named set or an *UnknownCodeSetError.
func (r *Registry) Lookup(name string) (*Set, error) {
	s, ok := r.sets[name]
	if !ok {
		return nil, &UnknownCodeSetError{Name: name, Version: r.version}
	}
	return s, nil
}

// Contains is the hot-path membership test. Unknown set names report false;
// callers that need to distinguish use Lookup.
func (r *Registry) Contains(name, code string) bool {
	return r.sets[name].Contains(code)
}

// Names returns every registered set name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sets))
	for name := range r.sets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
