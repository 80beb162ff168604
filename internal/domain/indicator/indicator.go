package indicator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/discharge"
)

// Role is the stage a rule belongs to.
type Role string

const (
	RoleEligibility Role = "eligibility"
	RoleExclusion   Role = "exclusion"
	RoleNumerator   Role = "numerator"
	RoleCategory    Role = "category"
)

type rule struct {
	name string
	role Role
	when []predicate
}

func (r rule) match(rec *discharge.Record) bool {
	for _, p := range r.when {
		if !p.match(rec) {
			return false
		}
	}
	return true
}

// ruleSet evaluates rules in declaration order and stops at the first match.
type ruleSet []rule

func (rs ruleSet) first(rec *discharge.Record) (bool, string) {
	for _, r := range rs {
		if r.match(rec) {
			return true, r.name
		}
	}
	return false, ""
}

// EligibilityEvaluator decides denominator membership before exclusions.
type EligibilityEvaluator struct{ rules ruleSet }

// Evaluate returns whether rec is eligible and the first rule that matched.
func (e EligibilityEvaluator) Evaluate(rec *discharge.Record) (bool, string) {
	return e.rules.first(rec)
}

// ExclusionEvaluator removes eligible records from the denominator.
type ExclusionEvaluator struct{ rules ruleSet }

// Evaluate returns whether rec is excluded and the first rule that matched.
func (e ExclusionEvaluator) Evaluate(rec *discharge.Record) (bool, string) {
	return e.rules.first(rec)
}

// NumeratorEvaluator decides whether a denominator record had the event.
type NumeratorEvaluator struct{ rules ruleSet }

// Evaluate returns whether rec is a numerator case and the first rule that matched.
func (e NumeratorEvaluator) Evaluate(rec *discharge.Record) (bool, string) {
	return e.rules.first(rec)
}

// Indicator is a compiled definition. It is immutable and safe for
// concurrent use.
type Indicator struct {
	ID      string
	Name    string
	Version string
	Policy  POAPolicy

	def         *Definition
	eligibility ruleSet
	exclusions  ruleSet
	numerator   ruleSet

	categoryFromEligibility bool
	categories              ruleSet
	defaultCategory         string

	codeSets []string
}

func (ind *Indicator) Eligibility() EligibilityEvaluator { return EligibilityEvaluator{ind.eligibility} }
func (ind *Indicator) Exclusion() ExclusionEvaluator     { return ExclusionEvaluator{ind.exclusions} }
func (ind *Indicator) Numerator() NumeratorEvaluator     { return NumeratorEvaluator{ind.numerator} }

// Definition returns the source definition the indicator was compiled from.
func (ind *Indicator) Definition() *Definition { return ind.def }

// CodeSets lists the code-set names the indicator references, sorted.
func (ind *Indicator) CodeSets() []string { return append([]string(nil), ind.codeSets...) }

// Categorized reports whether the indicator assigns denominator categories.
func (ind *Indicator) Categorized() bool {
	return ind.categoryFromEligibility || ind.defaultCategory != ""
}

// Decision is the outcome of one record against one indicator.
type Decision struct {
	Eligible        bool
	EligibilityRule string
	Excluded        bool
	ExclusionRule   string
	Numerator       bool
	NumeratorRule   string
	Category        string
}

// InDenominator reports eligible and not excluded.
func (d Decision) InDenominator() bool { return d.Eligible && !d.Excluded }

// Evaluate runs eligibility, exclusion and numerator in that order. Later
// stages are skipped once a record leaves the denominator.
func (ind *Indicator) Evaluate(rec *discharge.Record) Decision {
	var d Decision
	if d.Eligible, d.EligibilityRule = ind.Eligibility().Evaluate(rec); !d.Eligible {
		return d
	}
	// An eligibility stratum is known before exclusions run, so excluded
	// records are counted in their own stratum.
	if ind.categoryFromEligibility {
		d.Category = d.EligibilityRule
	}
	if d.Excluded, d.ExclusionRule = ind.Exclusion().Evaluate(rec); d.Excluded {
		return d
	}
	d.Numerator, d.NumeratorRule = ind.Numerator().Evaluate(rec)
	if ind.defaultCategory != "" {
		d.Category = ind.defaultCategory
		if ok, name := ind.categories.first(rec); ok {
			d.Category = name
		}
	}
	return d
}

// Step is one rule visited while tracing a record.
type Step struct {
	Role    Role   `json:"role"`
	Rule    string `json:"rule"`
	Matched bool   `json:"matched"`
}

// Trace evaluates rec like Evaluate but records every rule visited.
func (ind *Indicator) Trace(rec *discharge.Record) (Decision, []Step) {
	var steps []Step
	walk := func(rs ruleSet) (bool, string) {
		for _, r := range rs {
			ok := r.match(rec)
			steps = append(steps, Step{Role: r.role, Rule: r.name, Matched: ok})
			if ok {
				return true, r.name
			}
		}
		return false, ""
	}
	var d Decision
	if d.Eligible, d.EligibilityRule = walk(ind.eligibility); !d.Eligible {
		return d, steps
	}
	if ind.categoryFromEligibility {
		d.Category = d.EligibilityRule
	}
	if d.Excluded, d.ExclusionRule = walk(ind.exclusions); d.Excluded {
		return d, steps
	}
	d.Numerator, d.NumeratorRule = walk(ind.numerator)
	if ind.defaultCategory != "" {
		d.Category = ind.defaultCategory
		if ok, name := walk(ind.categories); ok {
			d.Category = name
		}
	}
	return d, steps
}

// ParseIDs splits a comma separated list of indicator ids, upper-casing each
// and dropping blanks.
func ParseIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ErrUnknownIndicator is returned when a requested id is not in the catalog.
var ErrUnknownIndicator = errors.New("unknown indicator")

// Catalog holds the compiled indicators of one definition version.
type Catalog struct {
	version string
	byID    map[string]*Indicator
	order   []*Indicator
}

// NewCatalog compiles every definition. The first failure aborts.
func NewCatalog(version string, defs []*Definition, reg *codeset.Registry) (*Catalog, error) {
	c := &Catalog{version: version, byID: make(map[string]*Indicator, len(defs))}
	for _, def := range defs {
		ind, err := Compile(def, reg)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byID[ind.ID]; dup {
			return nil, &DefinitionError{Indicator: ind.ID, Reason: "defined more than once"}
		}
		c.byID[ind.ID] = ind
		c.order = append(c.order, ind)
	}
	return c, nil
}

func (c *Catalog) Version() string { return c.version }

// All returns indicators in definition order.
func (c *Catalog) All() []*Indicator { return append([]*Indicator(nil), c.order...) }

func (c *Catalog) Get(id string) (*Indicator, bool) {
	ind, ok := c.byID[id]
	return ind, ok
}

// Select returns the named indicators in the order given, or all of them
// when ids is empty.
func (c *Catalog) Select(ids []string) ([]*Indicator, error) {
	if len(ids) == 0 {
		return c.All(), nil
	}
	out := make([]*Indicator, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		ind, ok := c.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIndicator, id)
		}
		out = append(out, ind)
	}
	return out, nil
}
