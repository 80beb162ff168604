package indicator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/discharge"
)

var fixtureCodes = map[string][]string{
	"SURGI2R":    {"039"},
	"MEDIC2R":    {"190"},
	"ORPROC":     {"0DTJ4ZZ", "0W3P0ZZ", "06L00ZZ"},
	"HEMOTH2P":   {"0W3P0ZZ"},
	"VENACIP":    {"06L00ZZ"},
	"DEEPVIB":    {"I82401"},
	"PULMOID":    {"I2699"},
	"POHMRI2D":   {"D7821"},
	"FTR4DX":     {"A419"},
	"SEPTI2D":    {"A419"},
	"ABDOMI15P":  {"0DTJ4ZZ"},
	"SPLEEN15D":  {"S3609XA"},
	"SPLEEN15P":  {"07TP0ZZ"},
	"PCLASSHIGH": {"0DTJ4ZZ"},

	"LOWMODR":        {"103"},
	"MDC14PRINDX":    {"O80"},
	"MDC15PRINDX":    {"Z3801"},
	"FOREIID":        {"T8151XA"},
	"IDTMC3D":        {"T80211A"},
	"PIRHEELD":       {"L89613"},
	"DTIRHEELEXD":    {"L89616"},
	"FXID":           {"S72001A", "S42001A"},
	"HIPFXID":        {"S72001A"},
	"SEVEREIMMUNEDX": {"D800"},
	"ABDOMIPOPEN":    {"0DJU0ZZ"},
	"ABDOMIPOTHER":   {"0DJU4ZZ"},
	"RECLOIP":        {"0WQF0ZZ"},
	"ABWALLCD":       {"T8133XA"},
	"LIVEBND":        {"Z3800"},
	"BIRTHID":        {"P100"},
	"PRETEID":        {"P0734"},
	"DELOCMD":        {"Z370"},
	"VAGDELP":        {"10E0XZZ"},
	"INSTRIP":        {"10D07Z3"},
	"OBTRAID":        {"O702"},
}

// fixtureRegistry gives every set referenced by the embedded 2024
// definitions a placeholder code, overridden by fixtureCodes.
func fixtureRegistry(t *testing.T) *codeset.Registry {
	t.Helper()
	defs, err := LoadEmbedded("2024")
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	sources := map[string][]string{}
	for _, def := range defs {
		for _, name := range def.CodeSetNames() {
			sources[name] = []string{"ZZZ999"}
		}
	}
	for name, codes := range fixtureCodes {
		sources[name] = codes
	}
	reg, err := codeset.NewRegistry("2024", sources)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func fixtureCatalog(t *testing.T) *Catalog {
	t.Helper()
	defs, err := LoadEmbedded("2024")
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	cat, err := NewCatalog("2024", defs, fixtureRegistry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return cat
}

func mustIndicator(t *testing.T, cat *Catalog, id string) *Indicator {
	t.Helper()
	ind, ok := cat.Get(id)
	if !ok {
		t.Fatalf("indicator %s not in catalog", id)
	}
	return ind
}

func day(n int) time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n) }

func surgicalRecord() *discharge.Record {
	return &discharge.Record{
		ID:            "ENC-1",
		FacilityID:    "FAC-A",
		Age:           60,
		Sex:           discharge.SexMale,
		AdmissionType: discharge.AdmissionElective,
		MSDRG:         "039",
		MDC:           1,
		Disposition:   1,
		AdmissionDate: day(0),
		DischargeDate: day(6),
		LengthOfStay:  6,
		Principal:     discharge.Diagnosis{Code: "K3580", POA: discharge.POAYes},
		Procedures:    []discharge.Procedure{{Code: "0DTJ4ZZ", At: day(1), Sequence: 1}},
	}
}

func TestEmbeddedDefinitionsCompile(t *testing.T) {
	cat := fixtureCatalog(t)
	want := []string{"PSI_02", "PSI_03", "PSI_04", "PSI_05", "PSI_06", "PSI_07", "PSI_08", "PSI_09",
		"PSI_10", "PSI_11", "PSI_12", "PSI_13", "PSI_14", "PSI_15", "PSI_17", "PSI_18", "PSI_19"}
	all := cat.All()
	if len(all) != len(want) {
		t.Fatalf("expected %d indicators, got %d", len(want), len(all))
	}
	for i, ind := range all {
		if ind.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], ind.ID)
		}
		if ind.Version != "2024" {
			t.Errorf("%s: unexpected version %q", ind.ID, ind.Version)
		}
		if len(ind.CodeSets()) == 0 {
			t.Errorf("%s: no code sets recorded", ind.ID)
		}
	}
}

func TestCompile_UnknownCodeSet(t *testing.T) {
	def, err := ParseDefinition([]byte(`
id: PSI_X
version: "1"
eligibility:
  - name: base
    when:
      - {kind: drg, sets: [NOPE]}
numerator:
  - name: death
    when:
      - {kind: disposition, values: ["20"]}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reg, _ := codeset.NewRegistry("1", map[string][]string{})
	_, err = Compile(def, reg)
	if !errors.Is(err, codeset.ErrUnknownCodeSet) {
		t.Fatalf("expected ErrUnknownCodeSet, got %v", err)
	}
	var ue *codeset.UnknownCodeSetError
	if !errors.As(err, &ue) || ue.Name != "NOPE" {
		t.Errorf("expected unknown set NOPE, got %v", err)
	}
}

func TestCompile_DefinitionErrors(t *testing.T) {
	reg, _ := codeset.NewRegistry("1", map[string][]string{"A": {"X1"}})
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"no numerator", `
eligibility: [{name: e, when: [{kind: age, min: 18}]}]`, "numerator rule is required"},
		{"unknown kind", `
eligibility: [{name: e, when: [{kind: weight, min: 1}]}]
numerator: [{name: n, when: [{kind: dx, sets: [A]}]}]`, `unknown condition kind "weight"`},
		{"bad poa policy", `
poa: {unknown: maybe}
eligibility: [{name: e, when: [{kind: age, min: 18}]}]
numerator: [{name: n, when: [{kind: dx, sets: [A]}]}]`, "poa.unknown must be present or absent"},
		{"inverted bounds", `
eligibility: [{name: e, when: [{kind: age, min: 90, max: 18}]}]
numerator: [{name: n, when: [{kind: dx, sets: [A]}]}]`, "min 90 exceeds max 18"},
		{"timing without anchor", `
eligibility: [{name: e, when: [{kind: proc_timing, sets: [A], min: 0}]}]
numerator: [{name: n, when: [{kind: dx, sets: [A]}]}]`, "needs an anchor"},
		{"duplicate rule", `
eligibility: [{name: e, when: [{kind: age, min: 18}]}, {name: e, when: [{kind: age, max: 5}]}]
numerator: [{name: n, when: [{kind: dx, sets: [A]}]}]`, "duplicate eligibility rule name"},
		{"category without default", `
eligibility: [{name: e, when: [{kind: age, min: 18}]}]
numerator: [{name: n, when: [{kind: dx, sets: [A]}]}]
categories: {rules: [{name: c, when: [{kind: dx, sets: [A]}]}]}`, "categories require a default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte("id: T\nversion: \"1\"\n" + tt.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			_, err = Compile(def, reg)
			var de *DefinitionError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DefinitionError, got %v", err)
			}
			if !strings.Contains(de.Error(), tt.reason) {
				t.Errorf("expected %q in %q", tt.reason, de.Error())
			}
		})
	}
}

func TestParseDefinition_RejectsUnknownField(t *testing.T) {
	_, err := ParseDefinition([]byte("id: T\nversion: \"1\"\neligibilty: []\n"))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestPSI12_POAHandling(t *testing.T) {
	ind := mustIndicator(t, fixtureCatalog(t), "PSI_12")
	tests := []struct {
		name      string
		poa       discharge.POA
		excluded  bool
		numerator bool
	}{
		{"not present", discharge.POANo, false, true},
		{"present", discharge.POAYes, true, false},
		{"exempt counts as present", discharge.POAExempt, true, false},
		{"unknown counts as absent", discharge.POAUnknown, false, true},
		{"missing counts as absent", discharge.POAMissing, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := surgicalRecord()
			rec.Secondary = []discharge.Diagnosis{{Code: "I82401", POA: tt.poa}}
			d := ind.Evaluate(rec)
			if !d.Eligible {
				t.Fatal("expected eligible")
			}
			if d.Excluded != tt.excluded || d.Numerator != tt.numerator {
				t.Errorf("got excluded=%v numerator=%v (%s)", d.Excluded, d.Numerator, d.ExclusionRule)
			}
		})
	}
}

func TestPOAPolicyOverride(t *testing.T) {
	defs, _ := LoadEmbedded("2024")
	var def *Definition
	for _, d := range defs {
		if d.ID == "PSI_12" {
			def = d
		}
	}
	def.POA.Unknown = "present"
	ind, err := Compile(def, fixtureRegistry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rec := surgicalRecord()
	rec.Secondary = []discharge.Diagnosis{{Code: "I82401", POA: discharge.POAUnknown}}
	d := ind.Evaluate(rec)
	if !d.Excluded || d.ExclusionRule != "dvt-or-pe-on-admission" {
		t.Errorf("expected unknown POA to exclude under override, got %+v", d)
	}
}

func TestPSI12_AgeBoundary(t *testing.T) {
	ind := mustIndicator(t, fixtureCatalog(t), "PSI_12")
	for age, want := range map[int]bool{17: false, 18: true, 89: true} {
		rec := surgicalRecord()
		rec.Age = age
		if got := ind.Evaluate(rec).Eligible; got != want {
			t.Errorf("age %d: eligible=%v, want %v", age, got, want)
		}
	}
}

func TestPSI12_LateFirstSurgery(t *testing.T) {
	ind := mustIndicator(t, fixtureCatalog(t), "PSI_12")
	for offset, want := range map[int]bool{9: false, 10: true} {
		rec := surgicalRecord()
		rec.Procedures[0].At = day(offset)
		d := ind.Evaluate(rec)
		if d.Excluded != want {
			t.Errorf("first OR on day %d: excluded=%v, want %v", offset, d.Excluded, want)
		}
	}
}

func TestPSI09_ProcedureTiming(t *testing.T) {
	ind := mustIndicator(t, fixtureCatalog(t), "PSI_09")

	rec := surgicalRecord()
	rec.Secondary = []discharge.Diagnosis{{Code: "D7821", POA: discharge.POANo}}
	rec.Procedures = append(rec.Procedures, discharge.Procedure{Code: "0W3P0ZZ", At: day(3), Sequence: 2})
	d := ind.Evaluate(rec)
	if !d.Numerator || d.NumeratorRule != "hemorrhage-with-treatment" {
		t.Errorf("expected numerator, got %+v", d)
	}

	rec.Procedures[1].At = day(1)
	if d := ind.Evaluate(rec); d.Numerator {
		t.Errorf("treatment on the day of surgery must not count, got %+v", d)
	}

	only := surgicalRecord()
	only.Procedures = []discharge.Procedure{{Code: "0W3P0ZZ", At: day(1), Sequence: 1}}
	if d := ind.Evaluate(only); d.ExclusionRule != "only-or-procedure-is-hemorrhage-treatment" {
		t.Errorf("expected only-OR exclusion, got %+v", d)
	}
}

func TestPSI04_StratumCategory(t *testing.T) {
	ind := mustIndicator(t, fixtureCatalog(t), "PSI_04")
	rec := surgicalRecord()
	rec.Secondary = []discharge.Diagnosis{{Code: "A419", POA: discharge.POANo}}
	rec.Disposition = 20
	d := ind.Evaluate(rec)
	if !d.Eligible || d.EligibilityRule != "SEPSIS" || d.Category != "SEPSIS" {
		t.Fatalf("expected SEPSIS stratum, got %+v", d)
	}
	if !d.Numerator {
		t.Error("expected death in numerator")
	}

	rec.Principal = discharge.Diagnosis{Code: "A419", POA: discharge.POAYes}
	if d := ind.Evaluate(rec); d.Eligible {
		t.Errorf("principal sepsis should leave no stratum, got %+v", d)
	}
}

func TestPSI15_RepairWindowAndComplexity(t *testing.T) {
	ind := mustIndicator(t, fixtureCatalog(t), "PSI_15")
	for offset, want := range map[int]bool{0: false, 1: true, 30: true, 31: false} {
		rec := surgicalRecord()
		rec.Secondary = []discharge.Diagnosis{{Code: "S3609XA", POA: discharge.POANo}}
		rec.Procedures = append(rec.Procedures, discharge.Procedure{Code: "07TP0ZZ", At: day(1 + offset), Sequence: 2})
		d := ind.Evaluate(rec)
		if d.Numerator != want {
			t.Errorf("repair %d days after index: numerator=%v, want %v", offset, d.Numerator, want)
		}
		if d.Category != "high_complexity" {
			t.Errorf("expected high_complexity, got %q", d.Category)
		}
	}
}

func TestTrace_RecordsVisitedRules(t *testing.T) {
	ind := mustIndicator(t, fixtureCatalog(t), "PSI_12")
	rec := surgicalRecord()
	rec.Secondary = []discharge.Diagnosis{{Code: "I2699", POA: discharge.POANo}}
	d, steps := ind.Trace(rec)
	if d != ind.Evaluate(rec) {
		t.Fatalf("trace decision %+v differs from evaluate %+v", d, ind.Evaluate(rec))
	}
	if len(steps) == 0 || steps[0].Role != RoleEligibility || !steps[0].Matched {
		t.Fatalf("unexpected first step %+v", steps)
	}
	last := steps[len(steps)-1]
	if last.Role != RoleNumerator || last.Rule != "dvt-or-pe" || !last.Matched {
		t.Errorf("unexpected last step %+v", last)
	}
	for _, s := range steps {
		if s.Role == RoleExclusion && s.Matched {
			t.Errorf("unexpected matching exclusion %s", s.Rule)
		}
	}
}

func TestCatalog_Select(t *testing.T) {
	cat := fixtureCatalog(t)
	got, err := cat.Select([]string{"PSI_09", "PSI_03", "PSI_09"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(got) != 2 || got[0].ID != "PSI_09" || got[1].ID != "PSI_03" {
		t.Errorf("unexpected selection %v", got)
	}
	if _, err := cat.Select([]string{"PSI_99"}); !errors.Is(err, ErrUnknownIndicator) {
		t.Errorf("expected ErrUnknownIndicator, got %v", err)
	}
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{" , ", nil},
		{"psi_03", []string{"PSI_03"}},
		{" PSI_03 , ,psi_09,", []string{"PSI_03", "PSI_09"}},
	}
	for _, tt := range tests {
		got := ParseIDs(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || (got == nil) != (tt.want == nil) {
			t.Errorf("ParseIDs(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestBounds(t *testing.T) {
	zero, two := 0, 2
	tests := []struct {
		b    bounds
		v    int
		want bool
	}{
		{bounds{min: &zero}, 0, true},
		{bounds{min: &zero, minExcl: true}, 0, false},
		{bounds{min: &zero, minExcl: true}, 1, true},
		{bounds{max: &two}, 2, true},
		{bounds{max: &two, maxExcl: true}, 2, false},
		{bounds{min: &zero, max: &two}, -1, false},
	}
	for i, tt := range tests {
		if got := tt.b.in(tt.v); got != tt.want {
			t.Errorf("case %d: in(%d) = %v, want %v", i, tt.v, got, tt.want)
		}
	}
}
