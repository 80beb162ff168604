package indicator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/discharge"
)

// compiler resolves one definition against a registry.
type compiler struct {
	id     string
	rule   string
	reg    *codeset.Registry
	policy POAPolicy
	used   map[string]bool
}

func (c *compiler) fail(format string, args ...any) error {
	return &DefinitionError{Indicator: c.id, Rule: c.rule, Reason: fmt.Sprintf(format, args...)}
}

// Compile validates def and resolves every code-set reference in it.
// An unknown set name yields an error wrapping codeset.ErrUnknownCodeSet.
func Compile(def *Definition, reg *codeset.Registry) (*Indicator, error) {
	if len(def.Eligibility) == 0 {
		return nil, &DefinitionError{Indicator: def.ID, Reason: "at least one eligibility rule is required"}
	}
	if len(def.Numerator) == 0 {
		return nil, &DefinitionError{Indicator: def.ID, Reason: "at least one numerator rule is required"}
	}
	policy, err := compilePolicy(def.ID, def.POA)
	if err != nil {
		return nil, err
	}
	c := &compiler{id: def.ID, reg: reg, policy: policy, used: map[string]bool{}}
	ind := &Indicator{
		ID:      def.ID,
		Name:    def.Name,
		Version: def.Version,
		Policy:  policy,
		def:     def,
	}
	if ind.eligibility, err = c.rules(RoleEligibility, def.Eligibility); err != nil {
		return nil, err
	}
	if ind.exclusions, err = c.rules(RoleExclusion, def.Exclusions); err != nil {
		return nil, err
	}
	if ind.numerator, err = c.rules(RoleNumerator, def.Numerator); err != nil {
		return nil, err
	}
	if cat := def.Categories; cat != nil {
		switch {
		case cat.FromEligibility && len(cat.Rules) > 0:
			return nil, &DefinitionError{Indicator: def.ID, Reason: "categories cannot combine from_eligibility with rules"}
		case cat.FromEligibility:
			ind.categoryFromEligibility = true
		default:
			if cat.Default == "" {
				return nil, &DefinitionError{Indicator: def.ID, Reason: "categories require a default"}
			}
			if ind.categories, err = c.rules(RoleCategory, cat.Rules); err != nil {
				return nil, err
			}
			ind.defaultCategory = cat.Default
		}
	}
	for name := range c.used {
		ind.codeSets = append(ind.codeSets, name)
	}
	sort.Strings(ind.codeSets)
	return ind, nil
}

func (c *compiler) rules(role Role, specs []RuleSpec) ([]rule, error) {
	out := make([]rule, 0, len(specs))
	seen := map[string]bool{}
	for _, spec := range specs {
		c.rule = spec.Name
		if spec.Name == "" {
			return nil, c.fail("%s rule without a name", role)
		}
		if seen[spec.Name] {
			return nil, c.fail("duplicate %s rule name", role)
		}
		seen[spec.Name] = true
		if len(spec.When) == 0 {
			return nil, c.fail("rule has no conditions")
		}
		conds, err := c.conditions(spec.When)
		if err != nil {
			return nil, err
		}
		out = append(out, rule{name: spec.Name, role: role, when: conds})
	}
	c.rule = ""
	return out, nil
}

func (c *compiler) conditions(specs []ConditionSpec) ([]predicate, error) {
	out := make([]predicate, 0, len(specs))
	for i := range specs {
		p, err := c.condition(&specs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *compiler) condition(s *ConditionSpec) (predicate, error) {
	p, err := c.build(s)
	if err != nil {
		return nil, err
	}
	if s.Negate {
		return notPred{p}, nil
	}
	return p, nil
}

func (c *compiler) build(s *ConditionSpec) (predicate, error) {
	switch s.Kind {
	case "drg":
		if len(s.Sets) == 0 && len(s.Values) == 0 {
			return nil, c.fail("drg condition needs sets or values")
		}
		resolved, err := c.sets(s.Sets)
		if err != nil {
			return nil, err
		}
		values := map[string]bool{}
		for _, v := range s.Values {
			values[discharge.FormatDRG(v)] = true
		}
		return drgPred{sets: resolved, values: values}, nil
	case "mdc":
		values, err := c.ints("mdc", s.Values)
		if err != nil {
			return nil, err
		}
		return mdcPred{values: values}, nil
	case "disposition":
		values, err := c.ints("disposition", s.Values)
		if err != nil {
			return nil, err
		}
		return dispositionPred{values: values}, nil
	case "age":
		b, err := c.bounds(s, "age")
		if err != nil {
			return nil, err
		}
		return agePred{bounds: b}, nil
	case "los":
		b, err := c.bounds(s, "los")
		if err != nil {
			return nil, err
		}
		return losPred{bounds: b}, nil
	case "sex":
		if len(s.Values) == 0 {
			return nil, c.fail("sex condition needs values")
		}
		values := map[discharge.Sex]bool{}
		for _, v := range s.Values {
			switch strings.ToUpper(v) {
			case "M":
				values[discharge.SexMale] = true
			case "F":
				values[discharge.SexFemale] = true
			case "U":
				values[discharge.SexUnknown] = true
			default:
				return nil, c.fail("unknown sex value %q", v)
			}
		}
		return sexPred{values: values}, nil
	case "admission":
		if len(s.Values) == 0 {
			return nil, c.fail("admission condition needs values")
		}
		values := map[discharge.AdmissionType]bool{}
		for _, v := range s.Values {
			a, ok := discharge.ParseAdmissionName(strings.ToLower(v))
			if !ok {
				return nil, c.fail("unknown admission type %q", v)
			}
			values[a] = true
		}
		return admissionPred{values: values}, nil
	case "origin":
		if len(s.Values) == 0 {
			return nil, c.fail("origin condition needs values")
		}
		values := map[string]bool{}
		for _, v := range s.Values {
			values[strings.ToUpper(strings.TrimSpace(v))] = true
		}
		return originPred{values: values}, nil
	case "dx":
		resolved, err := c.requiredSets("dx", s.Sets)
		if err != nil {
			return nil, err
		}
		pos, err := c.position(s.Position)
		if err != nil {
			return nil, err
		}
		poa, err := c.poaMatch(s.POA)
		if err != nil {
			return nil, err
		}
		return dxPred{sets: resolved, position: pos, poa: poa, policy: c.policy}, nil
	case "proc":
		resolved, err := c.requiredSets("proc", s.Sets)
		if err != nil {
			return nil, err
		}
		return procPred{sets: resolved, dated: s.Dated}, nil
	case "proc_undated":
		resolved, err := c.requiredSets("proc_undated", s.Sets)
		if err != nil {
			return nil, err
		}
		return procUndatedPred{sets: resolved}, nil
	case "only_proc":
		among, err := c.requiredSets("only_proc among", s.Among)
		if err != nil {
			return nil, err
		}
		resolved, err := c.requiredSets("only_proc", s.Sets)
		if err != nil {
			return nil, err
		}
		return onlyProcPred{among: among, sets: resolved}, nil
	case "proc_timing":
		resolved, err := c.requiredSets("proc_timing", s.Sets)
		if err != nil {
			return nil, err
		}
		sel, err := c.selector(s.Select)
		if err != nil {
			return nil, err
		}
		a, err := c.anchor(s.Anchor)
		if err != nil {
			return nil, err
		}
		if s.Min == nil && s.Max == nil {
			return nil, c.fail("proc_timing needs min or max")
		}
		b, err := c.bounds(s, "proc_timing")
		if err != nil {
			return nil, err
		}
		return procTimingPred{sets: resolved, sel: sel, anchor: a, window: b}, nil
	case "proc_order":
		resolved, err := c.requiredSets("proc_order", s.Sets)
		if err != nil {
			return nil, err
		}
		sel, err := c.selector(s.Select)
		if err != nil {
			return nil, err
		}
		a, err := c.anchor(s.Anchor)
		if err != nil {
			return nil, err
		}
		rel, err := c.relation(s.Relation)
		if err != nil {
			return nil, err
		}
		return procOrderPred{sets: resolved, sel: sel, relation: rel, anchor: a}, nil
	case "any", "all":
		if len(s.Of) == 0 {
			return nil, c.fail("%s condition needs of", s.Kind)
		}
		inner, err := c.conditions(s.Of)
		if err != nil {
			return nil, err
		}
		if s.Kind == "any" {
			return anyPred(inner), nil
		}
		return allPred(inner), nil
	case "":
		return nil, c.fail("condition without kind")
	default:
		return nil, c.fail("unknown condition kind %q", s.Kind)
	}
}

func (c *compiler) sets(names []string) (sets, error) {
	out := make(sets, 0, len(names))
	for _, name := range names {
		set, err := c.reg.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("indicator %s rule %q: %w", c.id, c.rule, err)
		}
		c.used[name] = true
		out = append(out, set)
	}
	return out, nil
}

func (c *compiler) requiredSets(kind string, names []string) (sets, error) {
	if len(names) == 0 {
		return nil, c.fail("%s condition needs sets", kind)
	}
	return c.sets(names)
}

func (c *compiler) ints(kind string, values []string) (intIn, error) {
	if len(values) == 0 {
		return nil, c.fail("%s condition needs values", kind)
	}
	out := intIn{}
	for _, v := range values {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, c.fail("%s value %q is not an integer", kind, v)
		}
		out[n] = true
	}
	return out, nil
}

func (c *compiler) bounds(s *ConditionSpec, kind string) (bounds, error) {
	if s.Min == nil && s.Max == nil {
		return bounds{}, c.fail("%s condition needs min or max", kind)
	}
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return bounds{}, c.fail("%s min %d exceeds max %d", kind, *s.Min, *s.Max)
	}
	return bounds{min: s.Min, max: s.Max, minExcl: s.MinExclusive, maxExcl: s.MaxExclusive}, nil
}

func (c *compiler) position(v string) (position, error) {
	switch v {
	case "", "any":
		return positionAny, nil
	case "principal":
		return positionPrincipal, nil
	case "secondary":
		return positionSecondary, nil
	}
	return 0, c.fail("unknown position %q", v)
}

func (c *compiler) poaMatch(v string) (poaMatch, error) {
	switch v {
	case "", "any":
		return poaAny, nil
	case "present":
		return poaPresent, nil
	case "absent":
		return poaAbsent, nil
	}
	return 0, c.fail("unknown poa match %q", v)
}

func (c *compiler) selector(v string) (selector, error) {
	switch v {
	case "", "any":
		return selectAny, nil
	case "first":
		return selectFirst, nil
	case "last":
		return selectLast, nil
	}
	return 0, c.fail("unknown select %q", v)
}

func (c *compiler) relation(v string) (relation, error) {
	switch v {
	case "before":
		return relBefore, nil
	case "on_or_before":
		return relOnOrBefore, nil
	case "after":
		return relAfter, nil
	case "on_or_after":
		return relOnOrAfter, nil
	}
	return 0, c.fail("unknown relation %q", v)
}

func (c *compiler) anchor(s *AnchorSpec) (anchor, error) {
	if s == nil {
		return anchor{}, c.fail("timing condition needs an anchor")
	}
	switch s.Kind {
	case "admission":
		if len(s.Sets) > 0 {
			return anchor{}, c.fail("admission anchor takes no sets")
		}
		return anchor{kind: anchorAdmission}, nil
	case "first", "last":
		resolved, err := c.requiredSets("anchor", s.Sets)
		if err != nil {
			return anchor{}, err
		}
		kind := anchorFirst
		if s.Kind == "last" {
			kind = anchorLast
		}
		return anchor{kind: kind, sets: resolved}, nil
	}
	return anchor{}, c.fail("unknown anchor kind %q", s.Kind)
}
