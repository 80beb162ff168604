package indicator

import (
	"time"

	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/discharge"
)

// predicate is one compiled condition. Code-set references are resolved at
// compile time so matching never touches the registry.
type predicate interface {
	match(rec *discharge.Record) bool
}

type sets []*codeset.Set

func (s sets) contains(code string) bool {
	for _, set := range s {
		if set.Contains(code) {
			return true
		}
	}
	return false
}

// bounds is an inclusive-by-default integer range with optional ends.
type bounds struct {
	min, max         *int
	minExcl, maxExcl bool
}

func (b bounds) in(v int) bool {
	if b.min != nil {
		if b.minExcl && v <= *b.min || !b.minExcl && v < *b.min {
			return false
		}
	}
	if b.max != nil {
		if b.maxExcl && v >= *b.max || !b.maxExcl && v > *b.max {
			return false
		}
	}
	return true
}

type notPred struct{ p predicate }

func (n notPred) match(rec *discharge.Record) bool { return !n.p.match(rec) }

type anyPred []predicate

func (a anyPred) match(rec *discharge.Record) bool {
	for _, p := range a {
		if p.match(rec) {
			return true
		}
	}
	return false
}

type allPred []predicate

func (a allPred) match(rec *discharge.Record) bool {
	for _, p := range a {
		if !p.match(rec) {
			return false
		}
	}
	return true
}

type drgPred struct {
	sets   sets
	values map[string]bool
}

func (d drgPred) match(rec *discharge.Record) bool {
	if rec.MSDRG == "" {
		return false
	}
	return d.values[rec.MSDRG] || d.sets.contains(rec.MSDRG)
}

type intIn map[int]bool

type mdcPred struct{ values intIn }

func (m mdcPred) match(rec *discharge.Record) bool { return m.values[rec.MDC] }

type dispositionPred struct{ values intIn }

func (d dispositionPred) match(rec *discharge.Record) bool { return d.values[rec.Disposition] }

type agePred struct{ bounds bounds }

func (a agePred) match(rec *discharge.Record) bool { return a.bounds.in(rec.Age) }

// losPred never matches an unknown length of stay.
type losPred struct{ bounds bounds }

func (l losPred) match(rec *discharge.Record) bool {
	return rec.LengthOfStay >= 0 && l.bounds.in(rec.LengthOfStay)
}

type sexPred struct{ values map[discharge.Sex]bool }

func (s sexPred) match(rec *discharge.Record) bool { return s.values[rec.Sex] }

type admissionPred struct{ values map[discharge.AdmissionType]bool }

func (a admissionPred) match(rec *discharge.Record) bool { return a.values[rec.AdmissionType] }

type originPred struct{ values map[string]bool }

func (o originPred) match(rec *discharge.Record) bool { return o.values[rec.Origin] }

type position int

const (
	positionAny position = iota
	positionPrincipal
	positionSecondary
)

type poaMatch int

const (
	poaAny poaMatch = iota
	poaPresent
	poaAbsent
)

type dxPred struct {
	sets     sets
	position position
	poa      poaMatch
	policy   POAPolicy
}

func (d dxPred) match(rec *discharge.Record) bool {
	if d.position != positionSecondary && d.matchOne(rec.Principal) {
		return true
	}
	if d.position == positionPrincipal {
		return false
	}
	for _, dx := range rec.Secondary {
		if d.matchOne(dx) {
			return true
		}
	}
	return false
}

func (d dxPred) matchOne(dx discharge.Diagnosis) bool {
	if dx.Code == "" || !d.sets.contains(dx.Code) {
		return false
	}
	switch d.poa {
	case poaPresent:
		return d.policy.Present(dx.POA)
	case poaAbsent:
		return !d.policy.Present(dx.POA)
	default:
		return true
	}
}

type procPred struct {
	sets  sets
	dated bool
}

func (p procPred) match(rec *discharge.Record) bool {
	for _, pr := range rec.Procedures {
		if p.dated && !pr.Dated() {
			continue
		}
		if p.sets.contains(pr.Code) {
			return true
		}
	}
	return false
}

// onlyProcPred matches when at least one procedure falls in among and every
// such procedure is also in sets.
type onlyProcPred struct {
	among sets
	sets  sets
}

func (o onlyProcPred) match(rec *discharge.Record) bool {
	found := false
	for _, pr := range rec.Procedures {
		if !o.among.contains(pr.Code) {
			continue
		}
		if !o.sets.contains(pr.Code) {
			return false
		}
		found = true
	}
	return found
}

// procUndatedPred matches when procedures in sets exist but none is dated.
type procUndatedPred struct{ sets sets }

func (p procUndatedPred) match(rec *discharge.Record) bool {
	found := false
	for _, pr := range rec.Procedures {
		if !p.sets.contains(pr.Code) {
			continue
		}
		if pr.Dated() {
			return false
		}
		found = true
	}
	return found
}

type selector int

const (
	selectAny selector = iota
	selectFirst
	selectLast
)

// datedIn returns the dated procedure times whose codes fall in s.
func datedIn(rec *discharge.Record, s sets) []time.Time {
	var out []time.Time
	for _, pr := range rec.Procedures {
		if pr.Dated() && s.contains(pr.Code) {
			out = append(out, pr.At)
		}
	}
	return out
}

func pick(times []time.Time, sel selector) (time.Time, bool) {
	if len(times) == 0 {
		return time.Time{}, false
	}
	out := times[0]
	for _, t := range times[1:] {
		if sel == selectLast && t.After(out) || sel != selectLast && t.Before(out) {
			out = t
		}
	}
	return out, true
}

type anchorKind int

const (
	anchorAdmission anchorKind = iota
	anchorFirst
	anchorLast
)

type anchor struct {
	kind anchorKind
	sets sets
}

func (a anchor) at(rec *discharge.Record) (time.Time, bool) {
	switch a.kind {
	case anchorAdmission:
		return rec.AdmissionDate, !rec.AdmissionDate.IsZero()
	case anchorLast:
		return pick(datedIn(rec, a.sets), selectLast)
	default:
		return pick(datedIn(rec, a.sets), selectFirst)
	}
}

// procTimingPred matches when the selected dated procedures in sets fall
// within window calendar days of the anchor date.
type procTimingPred struct {
	sets   sets
	sel    selector
	anchor anchor
	window bounds
}

func (p procTimingPred) match(rec *discharge.Record) bool {
	ref, ok := p.anchor.at(rec)
	if !ok {
		return false
	}
	times := datedIn(rec, p.sets)
	if p.sel != selectAny {
		t, ok := pick(times, p.sel)
		if !ok {
			return false
		}
		times = []time.Time{t}
	}
	for _, t := range times {
		if p.window.in(discharge.DaysBetween(ref, t)) {
			return true
		}
	}
	return false
}

type relation int

const (
	relBefore relation = iota
	relOnOrBefore
	relAfter
	relOnOrAfter
)

// procOrderPred compares the selected procedure timestamp to the anchor.
// Both must be dated for a match.
type procOrderPred struct {
	sets     sets
	sel      selector
	relation relation
	anchor   anchor
}

func (p procOrderPred) match(rec *discharge.Record) bool {
	ref, ok := p.anchor.at(rec)
	if !ok {
		return false
	}
	times := datedIn(rec, p.sets)
	if p.sel != selectAny {
		t, ok := pick(times, p.sel)
		if !ok {
			return false
		}
		times = []time.Time{t}
	}
	for _, t := range times {
		if p.relation.holds(t, ref) {
			return true
		}
	}
	return false
}

func (r relation) holds(t, ref time.Time) bool {
	switch r {
	case relBefore:
		return t.Before(ref)
	case relOnOrBefore:
		return !t.After(ref)
	case relAfter:
		return t.After(ref)
	default:
		return !t.Before(ref)
	}
}
