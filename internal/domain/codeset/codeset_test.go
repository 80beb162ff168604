package codeset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"L89.154", "L89154"},
		{" l89-154 ", "L89154"},
		{"0DTJ0ZZ", "0DTJ0ZZ"},
		{"3", "003"},
		{"64", "064"},
		{"870", "870"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSet_ContainsNormalizesQuery(t *testing.T) {
	s, err := NewSet("IATROID", "2024", []string{"J95.811", "j95811", "J9381"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected duplicates collapsed to 2 codes, got %d", s.Len())
	}
	for _, q := range []string{"J95811", "j95.811", "J95-811", "J93.81"} {
		if !s.Contains(q) {
			t.Errorf("expected %q to be a member", q)
		}
	}
	if s.Contains("J95812") {
		t.Error("expected J95812 to be absent")
	}
}

func TestNewSet_MalformedEntry(t *testing.T) {
	_, err := NewSet("FOREIID", "2024", []string{"T81500A", "T81@501A"})
	if err == nil {
		t.Fatal("expected error for malformed entry")
	}
	if !errors.Is(err, ErrMalformedCodeSet) {
		t.Errorf("expected ErrMalformedCodeSet, got %v", err)
	}
	var me *MalformedCodeSetError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MalformedCodeSetError, got %T", err)
	}
	if me.Index != 1 || me.Entry != "T81@501A" {
		t.Errorf("expected entry 1 reported, got %d %q", me.Index, me.Entry)
	}

	for _, bad := range []string{"", "   ", "--"} {
		if _, err := NewSet("X", "2024", []string{bad}); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := NewRegistry("2024", map[string][]string{
		"SURGI2R": {"003", "4"},
		"MEDIC2R": {"870"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Version() != "2024" {
		t.Errorf("expected version 2024, got %s", r.Version())
	}
	s, err := r.Lookup("SURGI2R")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Contains("3") || !s.Contains("004") {
		t.Error("expected DRGs 3 and 004 to match")
	}

	_, err = r.Lookup("NOPE")
	if !errors.Is(err, ErrUnknownCodeSet) {
		t.Errorf("expected ErrUnknownCodeSet, got %v", err)
	}
	if r.Contains("NOPE", "003") {
		t.Error("expected unknown set to report false")
	}
	if !r.Contains("MEDIC2R", "870") {
		t.Error("expected 870 in MEDIC2R")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "MEDIC2R" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestDecode_CombinedDocument(t *testing.T) {
	doc := `{"LOWMODR": ["039", 40, "041"], "TRAUMID": ["S06.0X0A"]}`
	r, err := Decode(strings.NewReader(doc), "2024")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Contains("LOWMODR", "40") {
		t.Error("expected numeric entry to be accepted")
	}
	if !r.Contains("TRAUMID", "S060X0A") {
		t.Error("expected S060X0A in TRAUMID")
	}
}

func TestDecode_NonListValue(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"LOWMODR": "039"}`), "2024")
	if !errors.Is(err, ErrMalformedCodeSet) {
		t.Fatalf("expected ErrMalformedCodeSet, got %v", err)
	}
	if !strings.Contains(err.Error(), "LOWMODR") {
		t.Errorf("expected set name in error, got %q", err.Error())
	}
}

func TestDecode_NullValue(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"LOWMODR": ["039"], "TRAUMID": null}`), "2024")
	var me *MalformedCodeSetError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MalformedCodeSetError, got %v", err)
	}
	if me.Set != "TRAUMID" || me.Reason != "value is not a list of codes" {
		t.Errorf("unexpected error %+v", me)
	}

	r, err := Decode(strings.NewReader(`{"EMPTY": []}`), "2024")
	if err != nil {
		t.Fatalf("an empty list is a valid set: %v", err)
	}
	if s, _ := r.Lookup("EMPTY"); s.Len() != 0 {
		t.Errorf("expected empty set, got %d codes", s.Len())
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("ORPROC.json", `["0DTJ4ZZ", "0FT44ZZ"]`)
	write("HEMOTH2P.yaml", "- 0W3P0ZZ\n- 0W3F0ZZ\n")
	write("README.md", "ignored")

	r, err := Load(dir, "2024")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Names()) != 2 {
		t.Errorf("expected 2 sets, got %v", r.Names())
	}
	if !r.Contains("HEMOTH2P", "0w3p0zz") {
		t.Error("expected yaml set to load")
	}

	write("NULL.yaml", "~\n")
	if _, err := LoadDir(dir, "2024"); !errors.Is(err, ErrMalformedCodeSet) {
		t.Errorf("expected ErrMalformedCodeSet for null document, got %v", err)
	}
	os.Remove(filepath.Join(dir, "NULL.yaml"))

	write("BAD.yml", "name: not-a-list\n")
	if _, err := LoadDir(dir, "2024"); !errors.Is(err, ErrMalformedCodeSet) {
		t.Errorf("expected ErrMalformedCodeSet for map document, got %v", err)
	}
}
