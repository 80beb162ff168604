package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/psi/internal/domain/aggregate"
	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/discharge"
	"github.com/ehr/psi/internal/domain/indicator"
)

const dvtDefinition = `
id: T_DVT
name: Test DVT
version: "t1"
poa: {exempt: present, unknown: absent, undetermined: absent, missing: absent}
eligibility:
  - name: adult-surgical
    when:
      - {kind: drg, sets: [SURGI2R]}
      - {kind: age, min: 18}
exclusions:
  - name: principal-dvt
    when:
      - {kind: dx, position: principal, sets: [DEEPVIB]}
  - name: dvt-on-admission
    when:
      - {kind: dx, position: secondary, poa: present, sets: [DEEPVIB]}
numerator:
  - name: dvt
    when:
      - {kind: dx, position: secondary, poa: absent, sets: [DEEPVIB]}
`

func testEngine(t *testing.T, workers int) *Engine {
	t.Helper()
	reg, err := codeset.NewRegistry("cs1", map[string][]string{
		"SURGI2R": {"039", "470"},
		"DEEPVIB": {"I82401", "I82402"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	def, err := indicator.ParseDefinition([]byte(dvtDefinition))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cat, err := indicator.NewCatalog("t1", []*indicator.Definition{def}, reg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	strata, _ := aggregate.ParseStratification("facility,sex", nil)
	return NewEngine(reg, cat, Options{Workers: workers, Strata: strata}, zerolog.Nop())
}

func row(line int, id string, age int, drg, pdx, dx1, poa2 string) discharge.RawRow {
	fac := "FAC-A"
	if line%3 == 0 {
		fac = "FAC-B"
	}
	sex := "M"
	if line%2 == 0 {
		sex = "F"
	}
	return discharge.RawRow{Line: line, Fields: map[string]string{
		"EncounterID":           id,
		"FacilityID":            fac,
		"AGE":                   fmt.Sprint(age),
		"SEX":                   sex,
		"MS-DRG":                drg,
		"MDC":                   "5",
		"Pdx":                   pdx,
		"POA1":                  "Y",
		"DX1":                   dx1,
		"POA2":                  poa2,
		"Discharge_Disposition": "1",
	}}
}

// batch mixes ineligible, excluded, denominator and numerator records.
func batch() []discharge.RawRow {
	var rows []discharge.RawRow
	poas := []string{"N", "Y", "U", "E", "", "W"}
	for i := 0; i < 60; i++ {
		age := 16 + i%6
		drg := "39"
		if i%7 == 0 {
			drg = "999"
		}
		pdx := "K3580"
		if i%11 == 0 {
			pdx = "I82401"
		}
		dx1 := "I82402"
		if i%5 == 0 {
			dx1 = "E119"
		}
		rows = append(rows, row(i+2, fmt.Sprintf("E%03d", i), age, drg, pdx, dx1, poas[i%len(poas)]))
	}
	return rows
}

func TestRun_ResultInvariantsAndCounts(t *testing.T) {
	e := testEngine(t, 4)
	out, err := e.Run(context.Background(), batch(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Results) != 60 {
		t.Fatalf("expected 60 results, got %d", len(out.Results))
	}
	var den, num, exc, inel int64
	for i, r := range out.Results {
		if r.Excluded && !r.Eligible {
			t.Errorf("%s: excluded but not eligible", r.RecordID)
		}
		if r.Numerator && (!r.Eligible || r.Excluded) {
			t.Errorf("%s: numerator outside denominator", r.RecordID)
		}
		if want := fmt.Sprintf("E%03d", i); r.RecordID != want {
			t.Errorf("results out of input order: position %d has %s", i, r.RecordID)
		}
		switch {
		case !r.Eligible:
			inel++
		case r.Excluded:
			exc++
		default:
			den++
			if r.Numerator {
				num++
			}
		}
	}
	rep := out.Reports[0]
	if rep.Totals.Denominator != den || rep.Totals.Numerator != num || rep.Totals.Excluded != exc || rep.Ineligible != inel {
		t.Errorf("report totals %+v (ineligible %d) differ from results den=%d num=%d exc=%d inel=%d",
			rep.Totals.Counts, rep.Ineligible, den, num, exc, inel)
	}
	if num == 0 || exc == 0 || inel == 0 || den == num {
		t.Errorf("batch does not exercise every path: den=%d num=%d exc=%d inel=%d", den, num, exc, inel)
	}
	if rep.IndicatorVersion != "t1" || rep.CodeSetVersion != "cs1" {
		t.Errorf("unexpected versions %q %q", rep.IndicatorVersion, rep.CodeSetVersion)
	}
}

func TestRun_IdempotentAcrossWorkerCounts(t *testing.T) {
	var first []byte
	for _, workers := range []int{1, 2, 7, 64} {
		out, err := testEngine(t, workers).Run(context.Background(), batch(), nil)
		if err != nil {
			t.Fatalf("workers=%d: %v", workers, err)
		}
		got, _ := json.Marshal(out)
		if first == nil {
			first = got
			continue
		}
		if string(got) != string(first) {
			t.Errorf("workers=%d produced a different outcome", workers)
		}
	}
}

func TestRun_AgeBoundaryAndPOA(t *testing.T) {
	e := testEngine(t, 1)
	rows := []discharge.RawRow{
		row(2, "U17", 17, "39", "K3580", "I82402", "N"),
		row(3, "A18N", 18, "39", "K3580", "I82402", "N"),
		row(4, "A18Y", 18, "39", "K3580", "I82402", "Y"),
	}
	out, err := e.Run(context.Background(), rows, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := map[string]Status{"U17": StatusNotEligible, "A18N": StatusInclusion, "A18Y": StatusExclusion}
	for _, r := range out.Results {
		if r.Status() != want[r.RecordID] {
			t.Errorf("%s: status %q, want %q", r.RecordID, r.Status(), want[r.RecordID])
		}
	}
}

func TestRun_MalformedRowRejected(t *testing.T) {
	e := testEngine(t, 2)
	rows := batch()[:10]
	delete(rows[4].Fields, "Pdx")
	out, err := e.Run(context.Background(), rows, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Rejected) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(out.Rejected))
	}
	rej := out.Rejected[0]
	if rej.Row != rows[4].Line || rej.RecordID != "E004" || rej.Message != "missing principal diagnosis" {
		t.Errorf("unexpected rejection %+v", rej)
	}
	if len(out.Results) != 9 {
		t.Errorf("expected the other 9 records evaluated, got %d", len(out.Results))
	}
	if out.Reports[0].Rejected != 1 {
		t.Errorf("report should count the rejection, got %d", out.Reports[0].Rejected)
	}
}

func TestRun_CancelledReportsUnevaluated(t *testing.T) {
	e := testEngine(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := e.Run(ctx, batch(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out == nil {
		t.Fatal("expected a partial outcome")
	}
	if len(out.Unevaluated) != 60 || len(out.Results) != 0 {
		t.Errorf("expected all 60 unevaluated, got %d unevaluated and %d results", len(out.Unevaluated), len(out.Results))
	}
	if out.Unevaluated[0] != "E000" || len(out.Reports[0].Unevaluated) != 60 {
		t.Errorf("unexpected unevaluated ids %v", out.Unevaluated[:1])
	}
}

func TestRun_PanicBecomesEvaluationError(t *testing.T) {
	e := testEngine(t, 2)
	e.decide = func(*indicator.Indicator, *discharge.Record) indicator.Decision {
		panic("rule table corrupted")
	}
	out, err := e.Run(context.Background(), batch()[:5], nil)
	if out != nil {
		t.Error("expected no outcome on internal failure")
	}
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("expected ErrEvaluation, got %v", err)
	}
	var ee *EvaluationError
	if !errors.As(err, &ee) || ee.IndicatorID != "T_DVT" || ee.Cause != "rule table corrupted" {
		t.Errorf("unexpected error %#v", err)
	}
}

func TestTrace(t *testing.T) {
	e := testEngine(t, 1)
	recs, rej := e.Normalize([]discharge.RawRow{row(2, "T1", 50, "39", "K3580", "I82402", "Y")})
	if len(rej) != 0 {
		t.Fatalf("unexpected rejection %+v", rej)
	}
	ind, _ := e.Catalog().Get("T_DVT")
	tr := e.Trace(recs[0], ind)
	if tr.Status != StatusExclusion || tr.Result.ExclusionRule != "dvt-on-admission" {
		t.Errorf("unexpected trace result %+v", tr.Result)
	}
	want := []indicator.Step{
		{Role: indicator.RoleEligibility, Rule: "adult-surgical", Matched: true},
		{Role: indicator.RoleExclusion, Rule: "principal-dvt", Matched: false},
		{Role: indicator.RoleExclusion, Rule: "dvt-on-admission", Matched: true},
	}
	if len(tr.Steps) != len(want) {
		t.Fatalf("expected %d steps, got %+v", len(want), tr.Steps)
	}
	for i := range want {
		if tr.Steps[i] != want[i] {
			t.Errorf("step %d: got %+v, want %+v", i, tr.Steps[i], want[i])
		}
	}
}

func TestResult_StatusAndRule(t *testing.T) {
	tests := []struct {
		r    Result
		want Status
		rule string
	}{
		{Result{}, StatusNotEligible, ""},
		{Result{Eligible: true, EligibilityRule: "e", Excluded: true, ExclusionRule: "x"}, StatusExclusion, "x"},
		{Result{Eligible: true, EligibilityRule: "e", Numerator: true, NumeratorRule: "n"}, StatusInclusion, "n"},
		{Result{Eligible: true, EligibilityRule: "e"}, StatusDenominator, "e"},
	}
	for _, tt := range tests {
		if got := tt.r.Status(); got != tt.want {
			t.Errorf("Status() = %q, want %q", got, tt.want)
		}
		if got := tt.r.Rule(); got != tt.rule {
			t.Errorf("Rule() = %q, want %q", got, tt.rule)
		}
	}
}
