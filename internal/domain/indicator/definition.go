package indicator

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed definitions
var embedded embed.FS

// Definition is the versioned, declarative form of one indicator.
type Definition struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Version     string        `yaml:"version" json:"version"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	POA         POAPolicySpec `yaml:"poa" json:"poa"`
	Eligibility []RuleSpec    `yaml:"eligibility" json:"eligibility"`
	Exclusions  []RuleSpec    `yaml:"exclusions,omitempty" json:"exclusions,omitempty"`
	Numerator   []RuleSpec    `yaml:"numerator" json:"numerator"`
	Categories  *CategorySpec `yaml:"categories,omitempty" json:"categories,omitempty"`
}

// POAPolicySpec maps each ambiguous POA flag to "present" or "absent".
type POAPolicySpec struct {
	Exempt       string `yaml:"exempt,omitempty" json:"exempt,omitempty"`
	Unknown      string `yaml:"unknown,omitempty" json:"unknown,omitempty"`
	Undetermined string `yaml:"undetermined,omitempty" json:"undetermined,omitempty"`
	Missing      string `yaml:"missing,omitempty" json:"missing,omitempty"`
}

// RuleSpec is a named conjunction of conditions.
type RuleSpec struct {
	Name string          `yaml:"name" json:"name"`
	When []ConditionSpec `yaml:"when" json:"when"`
}

// CategorySpec assigns each denominator record to one category. Either the
// ordered rules decide, falling back to Default, or the matched eligibility
// rule name is used as the category.
type CategorySpec struct {
	FromEligibility bool       `yaml:"from_eligibility,omitempty" json:"from_eligibility,omitempty"`
	Rules           []RuleSpec `yaml:"rules,omitempty" json:"rules,omitempty"`
	Default         string     `yaml:"default,omitempty" json:"default,omitempty"`
}

// ConditionSpec is one tagged condition. Which fields apply depends on Kind.
type ConditionSpec struct {
	Kind         string          `yaml:"kind" json:"kind"`
	Sets         []string        `yaml:"sets,omitempty" json:"sets,omitempty"`
	Values       []string        `yaml:"values,omitempty" json:"values,omitempty"`
	Min          *int            `yaml:"min,omitempty" json:"min,omitempty"`
	Max          *int            `yaml:"max,omitempty" json:"max,omitempty"`
	MinExclusive bool            `yaml:"min_exclusive,omitempty" json:"min_exclusive,omitempty"`
	MaxExclusive bool            `yaml:"max_exclusive,omitempty" json:"max_exclusive,omitempty"`
	Position     string          `yaml:"position,omitempty" json:"position,omitempty"`
	POA          string          `yaml:"poa,omitempty" json:"poa,omitempty"`
	Dated        bool            `yaml:"dated,omitempty" json:"dated,omitempty"`
	Among        []string        `yaml:"among,omitempty" json:"among,omitempty"`
	Select       string          `yaml:"select,omitempty" json:"select,omitempty"`
	Relation     string          `yaml:"relation,omitempty" json:"relation,omitempty"`
	Anchor       *AnchorSpec     `yaml:"anchor,omitempty" json:"anchor,omitempty"`
	Of           []ConditionSpec `yaml:"of,omitempty" json:"of,omitempty"`
	Negate       bool            `yaml:"negate,omitempty" json:"negate,omitempty"`
}

// AnchorSpec names the reference date of a timing condition.
type AnchorSpec struct {
	Kind string   `yaml:"kind" json:"kind"`
	Sets []string `yaml:"sets,omitempty" json:"sets,omitempty"`
}

// DefinitionError reports a structurally invalid definition.
type DefinitionError struct {
	Indicator string
	Rule      string
	Reason    string
}

func (e *DefinitionError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("indicator %s: %s", e.Indicator, e.Reason)
	}
	return fmt.Sprintf("indicator %s rule %q: %s", e.Indicator, e.Rule, e.Reason)
}

// ErrNoDefinitions is returned when a version has no definition documents.
var ErrNoDefinitions = errors.New("no indicator definitions found")

// ParseDefinition decodes one YAML document. Unknown fields are rejected so
// that a misspelled key cannot silently drop a condition.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if def.ID == "" {
		return nil, &DefinitionError{Indicator: "?", Reason: "missing id"}
	}
	if def.Version == "" {
		return nil, &DefinitionError{Indicator: def.ID, Reason: "missing version"}
	}
	return &def, nil
}

// Versions lists the definition sets compiled into the binary.
func Versions() []string {
	entries, err := fs.ReadDir(embedded, "definitions")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// LoadEmbedded returns the built-in definitions for version, ordered by id.
func LoadEmbedded(version string) ([]*Definition, error) {
	dir := path.Join("definitions", version)
	entries, err := fs.ReadDir(embedded, dir)
	if err != nil {
		return nil, fmt.Errorf("%w for version %q", ErrNoDefinitions, version)
	}
	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(embedded, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	return sortDefinitions(defs)
}

// LoadDir reads every YAML definition in dir.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definition dir: %w", err)
	}
	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDefinitions, dir)
	}
	return sortDefinitions(defs)
}

func sortDefinitions(defs []*Definition) ([]*Definition, error) {
	if len(defs) == 0 {
		return nil, ErrNoDefinitions
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	for i := 1; i < len(defs); i++ {
		if defs[i].ID == defs[i-1].ID {
			return nil, &DefinitionError{Indicator: defs[i].ID, Reason: "defined more than once"}
		}
	}
	return defs, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// CodeSetNames lists every code-set name def refers to, sorted.
func (def *Definition) CodeSetNames() []string {
	seen := map[string]bool{}
	var walk func(cs []ConditionSpec)
	walk = func(cs []ConditionSpec) {
		for i := range cs {
			c := &cs[i]
			for _, n := range c.Sets {
				seen[n] = true
			}
			for _, n := range c.Among {
				seen[n] = true
			}
			if c.Anchor != nil {
				for _, n := range c.Anchor.Sets {
					seen[n] = true
				}
			}
			walk(c.Of)
		}
	}
	rules := append(append(append([]RuleSpec{}, def.Eligibility...), def.Exclusions...), def.Numerator...)
	if def.Categories != nil {
		rules = append(rules, def.Categories.Rules...)
	}
	for _, r := range rules {
		walk(r.When)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
