package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/psi/internal/config"
	"github.com/ehr/psi/internal/domain/evaluation"
	"github.com/ehr/psi/internal/domain/indicator"
)

const sampleCSV = `EncounterID,FacilityID,AGE,SEX,MS-DRG,MDC,Pdx,POA1,DX1,POA2,Discharge_Disposition
E1,FAC-A,50,M,039,5,K3580,Y,I82401,N,1
E2,FAC-B,70,F,470,8,M1611,Y,E119,Y,1
E3,FAC-A,60,M,039,5,,Y,,,1
`

// writeCodeSets writes a combined code-set file covering every set the
// embedded definitions reference, leaving out the names in skip.
func writeCodeSets(t *testing.T, dir string, skip ...string) string {
	t.Helper()
	defs, err := indicator.LoadEmbedded("2024")
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	sets := map[string][]string{}
	for _, d := range defs {
		for _, name := range d.CodeSetNames() {
			sets[name] = []string{"ZZZ999"}
		}
	}
	for _, name := range skip {
		delete(sets, name)
	}
	raw, err := json.Marshal(sets)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "codesets.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV", "development")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("INDICATOR_VERSION", "2024")
	t.Setenv("CODESET_PATH", writeCodeSets(t, dir))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestEvaluateCommand_JSONAndWorkbook(t *testing.T) {
	dir := setupEnv(t)
	input := filepath.Join(dir, "discharges.csv")
	if err := os.WriteFile(input, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "results.xlsx")

	stdout, err := execute(t, "evaluate", "--input", input, "--indicators", "psi_09, PSI_03", "--output", output, "--json")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	var out evaluation.Outcome
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, stdout)
	}
	if len(out.Reports) != 2 || out.Reports[0].IndicatorID != "PSI_09" || out.Reports[1].IndicatorID != "PSI_03" {
		t.Errorf("unexpected reports %+v", out.Reports)
	}
	if len(out.Results) != 4 {
		t.Errorf("expected 2 records x 2 indicators, got %d results", len(out.Results))
	}
	if len(out.Rejected) != 1 || out.Rejected[0].RecordID != "E3" {
		t.Errorf("expected E3 rejected, got %+v", out.Rejected)
	}
	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		t.Errorf("expected workbook at %s: %v", output, err)
	}
}

func TestEvaluateCommand_Summary(t *testing.T) {
	dir := setupEnv(t)
	input := filepath.Join(dir, "discharges.csv")
	if err := os.WriteFile(input, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	stdout, err := execute(t, "evaluate", "-i", input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !strings.Contains(stdout, "PSI_19") || !strings.Contains(stdout, "1 rows rejected") {
		t.Errorf("unexpected summary:\n%s", stdout)
	}
}

func TestEvaluateCommand_Trace(t *testing.T) {
	dir := setupEnv(t)
	input := filepath.Join(dir, "discharges.csv")
	if err := os.WriteFile(input, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	stdout, err := execute(t, "evaluate", "-i", input, "--indicators", "PSI_09", "--trace", "E1")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	var traces []evaluation.Trace
	if err := json.Unmarshal([]byte(stdout), &traces); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if len(traces) != 1 || traces[0].RecordID != "E1" || traces[0].Status != evaluation.StatusNotEligible {
		t.Errorf("unexpected trace %+v", traces)
	}

	if _, err := execute(t, "evaluate", "-i", input, "--trace", "E3"); err == nil {
		t.Error("expected an error tracing a rejected record")
	}
	if _, err := execute(t, "evaluate", "-i", input, "--trace", "NOPE"); err == nil {
		t.Error("expected an error tracing an unknown record")
	}
}

func TestEvaluateCommand_UnknownIndicator(t *testing.T) {
	dir := setupEnv(t)
	input := filepath.Join(dir, "discharges.csv")
	if err := os.WriteFile(input, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "evaluate", "-i", input, "--indicators", "PSI_99")
	if !errors.Is(err, indicator.ErrUnknownIndicator) {
		t.Errorf("expected ErrUnknownIndicator, got %v", err)
	}
}

func TestCheckCodeSets(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{IndicatorVersion: "2024", CodeSetVersion: "test"}

	cfg.CodeSetPath = writeCodeSets(t, dir)
	var out bytes.Buffer
	if err := checkCodeSets(cfg, &out); err != nil {
		t.Fatalf("complete code sets: %v", err)
	}
	if !strings.Contains(out.String(), "indicators compile") {
		t.Errorf("unexpected output %q", out.String())
	}

	cfg.CodeSetPath = writeCodeSets(t, dir, "ORPROC")
	out.Reset()
	err := checkCodeSets(cfg, &out)
	if !errors.Is(err, errMissingCodeSets) {
		t.Fatalf("expected errMissingCodeSets, got %v", err)
	}
	if !strings.Contains(out.String(), "PSI_09: missing code set ORPROC") {
		t.Errorf("missing set not reported:\n%s", out.String())
	}
}

func TestListIndicators(t *testing.T) {
	defs, err := indicator.LoadEmbedded("2024")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := listIndicators(defs, &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(defs)+1 {
		t.Fatalf("expected header plus %d rows, got %d", len(defs), len(lines))
	}
	if !strings.HasPrefix(lines[1], "PSI_02") {
		t.Errorf("expected definitions in id order, got %q", lines[1])
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&config.Config{Env: "production", LogLevel: "WARN"}, &buf)
	if log.GetLevel() != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", log.GetLevel())
	}
	log.Warn().Msg("hello")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a JSON line, got %q", buf.String())
	}
	if entry["message"] != "hello" {
		t.Errorf("unexpected entry %v", entry)
	}

	if lvl := newLogger(&config.Config{LogLevel: "bogus"}, io.Discard).GetLevel(); lvl != zerolog.InfoLevel {
		t.Errorf("bogus level should fall back to info, got %s", lvl)
	}
}
