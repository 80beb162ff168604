package discharge

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/psi/internal/domain/codeset"
)

// ErrInvalidRecord is wrapped by every *InvalidRecordError.
var ErrInvalidRecord = errors.New("invalid record")

// Reason classifies why a row could not be normalized.
type Reason string

const (
	ReasonMissingField   Reason = "missing required field"
	ReasonAgeOutOfRange  Reason = "age out of plausible range"
	ReasonMalformedDate  Reason = "malformed date"
	ReasonAdmissionType  Reason = "unrecognized admission type"
	ReasonMalformedField Reason = "malformed field"
)

const maxPlausibleAge = 124

// InvalidRecordError describes a rejected row.
type InvalidRecordError struct {
	RecordID string
	Line     int
	Reason   Reason
	Field    string
	Value    string
}

// Message is the human-readable reason, e.g. "missing principal diagnosis".
func (e *InvalidRecordError) Message() string {
	label := fieldLabel(e.Field)
	switch e.Reason {
	case ReasonMissingField:
		return "missing " + label
	case ReasonAgeOutOfRange:
		return fmt.Sprintf("age out of plausible range: %s", e.Value)
	case ReasonMalformedDate:
		return fmt.Sprintf("malformed date in %s: %q", label, e.Value)
	case ReasonAdmissionType:
		return fmt.Sprintf("unrecognized admission type %q", e.Value)
	default:
		return fmt.Sprintf("malformed %s: %q", label, e.Value)
	}
}

func (e *InvalidRecordError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("invalid record %s: %s", e.RecordID, e.Message())
	}
	return fmt.Sprintf("invalid record at row %d: %s", e.Line, e.Message())
}

func (e *InvalidRecordError) Unwrap() error { return ErrInvalidRecord }

const (
	fieldID            = "id"
	fieldFacility      = "facility"
	fieldAge           = "age"
	fieldSex           = "sex"
	fieldAdmissionType = "admission_type"
	fieldMSDRG         = "ms_drg"
	fieldMDC           = "mdc"
	fieldPrincipal     = "principal"
	fieldDisposition   = "disposition"
	fieldAdmissionDate = "admission_date"
	fieldDischargeDate = "discharge_date"
	fieldLOS           = "length_of_stay"
)

var fieldLabels = map[string]string{
	fieldID:            "record identifier",
	fieldFacility:      "facility identifier",
	fieldAge:           "age",
	fieldSex:           "sex",
	fieldAdmissionType: "admission type",
	fieldMSDRG:         "MS-DRG",
	fieldMDC:           "MDC",
	fieldPrincipal:     "principal diagnosis",
	fieldDisposition:   "discharge disposition",
	fieldAdmissionDate: "admission date",
	fieldDischargeDate: "discharge date",
	fieldLOS:           "length of stay",
}

func fieldLabel(f string) string {
	if l, ok := fieldLabels[f]; ok {
		return l
	}
	return f
}

// Columns maps record fields to source column headers.
type Columns struct {
	ID            string
	Facility      string
	Age           string
	Sex           string
	AdmissionType string
	MSDRG         string
	MDC           string
	Principal     string
	Disposition   string
	Origin        string
	AdmissionDate string
	DischargeDate string
	LengthOfStay  string

	// POA[0] belongs to Principal, POA[i] to Secondary[i-1].
	POA            []string
	Secondary      []string
	Procedures     []string
	ProcedureDates []string
	ProcedureTimes []string
}

// DefaultColumns returns the headers of the standard PSI input template.
func DefaultColumns() Columns {
	c := Columns{
		ID:            "EncounterID",
		Facility:      "FacilityID",
		Age:           "AGE",
		Sex:           "SEX",
		AdmissionType: "ATYPE",
		MSDRG:         "MS-DRG",
		MDC:           "MDC",
		Principal:     "Pdx",
		Disposition:   "Discharge_Disposition",
		Origin:        "POINTOFORIGINUB04",
		AdmissionDate: "Admission_Date",
		DischargeDate: "Discharge_Date",
		LengthOfStay:  "Length_of_stay",
	}
	for i := 1; i <= 26; i++ {
		c.POA = append(c.POA, fmt.Sprintf("POA%d", i))
	}
	for i := 1; i <= 25; i++ {
		c.Secondary = append(c.Secondary, fmt.Sprintf("DX%d", i))
	}
	for i := 1; i <= 10; i++ {
		c.Procedures = append(c.Procedures, fmt.Sprintf("Proc%d", i))
		c.ProcedureDates = append(c.ProcedureDates, fmt.Sprintf("Proc%d_Date", i))
		c.ProcedureTimes = append(c.ProcedureTimes, fmt.Sprintf("Proc%d_Time", i))
	}
	return c
}

// Normalizer turns raw rows into Records.
type Normalizer struct {
	cols            Columns
	defaultFacility string
}

// NewNormalizer creates a normalizer. defaultFacility is used for rows whose
// facility column is blank; when empty, such rows are rejected.
func NewNormalizer(cols Columns, defaultFacility string) *Normalizer {
	return &Normalizer{cols: cols, defaultFacility: defaultFacility}
}

// Normalize maps one raw row to a Record or returns an *InvalidRecordError.
func (n *Normalizer) Normalize(row RawRow) (*Record, error) {
	c := n.cols
	rec := &Record{Row: row.Line, LengthOfStay: -1}
	fail := func(reason Reason, field, value string) (*Record, error) {
		return nil, &InvalidRecordError{RecordID: rec.ID, Line: row.Line, Reason: reason, Field: field, Value: value}
	}

	rec.ID = row.Get(c.ID)
	if rec.ID == "" {
		return fail(ReasonMissingField, fieldID, "")
	}

	rec.FacilityID = row.Get(c.Facility)
	if rec.FacilityID == "" {
		rec.FacilityID = n.defaultFacility
	}
	if rec.FacilityID == "" {
		return fail(ReasonMissingField, fieldFacility, "")
	}

	raw := row.Get(c.Age)
	if raw == "" {
		return fail(ReasonMissingField, fieldAge, "")
	}
	age, err := parseInt(raw)
	if err != nil {
		return fail(ReasonMalformedField, fieldAge, raw)
	}
	if age < 0 || age > maxPlausibleAge {
		return fail(ReasonAgeOutOfRange, fieldAge, raw)
	}
	rec.Age = age

	raw = row.Get(c.Sex)
	if raw == "" {
		return fail(ReasonMissingField, fieldSex, "")
	}
	rec.Sex = parseSex(raw)

	raw = row.Get(c.AdmissionType)
	at, ok := parseAdmissionType(raw)
	if !ok {
		return fail(ReasonAdmissionType, fieldAdmissionType, raw)
	}
	rec.AdmissionType = at

	raw = row.Get(c.MSDRG)
	if raw == "" {
		return fail(ReasonMissingField, fieldMSDRG, "")
	}
	rec.MSDRG = FormatDRG(raw)

	raw = row.Get(c.MDC)
	if raw == "" {
		return fail(ReasonMissingField, fieldMDC, "")
	}
	if rec.MDC, err = parseInt(raw); err != nil {
		return fail(ReasonMalformedField, fieldMDC, raw)
	}

	raw = row.Get(c.Principal)
	if raw == "" {
		return fail(ReasonMissingField, fieldPrincipal, "")
	}
	rec.Principal = Diagnosis{Code: codeset.Normalize(raw), POA: poaAt(row, c.POA, 0)}

	raw = row.Get(c.Disposition)
	if raw == "" {
		return fail(ReasonMissingField, fieldDisposition, "")
	}
	if rec.Disposition, err = parseInt(raw); err != nil {
		return fail(ReasonMalformedField, fieldDisposition, raw)
	}

	rec.Origin = strings.ToUpper(row.Get(c.Origin))

	if raw = row.Get(c.AdmissionDate); raw != "" {
		if rec.AdmissionDate, err = parseDate(raw); err != nil {
			return fail(ReasonMalformedDate, fieldAdmissionDate, raw)
		}
	}
	if raw = row.Get(c.DischargeDate); raw != "" {
		if rec.DischargeDate, err = parseDate(raw); err != nil {
			return fail(ReasonMalformedDate, fieldDischargeDate, raw)
		}
	}
	if raw = row.Get(c.LengthOfStay); raw != "" {
		los, err := parseInt(raw)
		if err != nil || los < 0 {
			return fail(ReasonMalformedField, fieldLOS, raw)
		}
		rec.LengthOfStay = los
	} else if !rec.AdmissionDate.IsZero() && !rec.DischargeDate.IsZero() {
		rec.LengthOfStay = DaysBetween(rec.AdmissionDate, rec.DischargeDate)
	}

	for i, col := range c.Secondary {
		code := row.Get(col)
		if code == "" {
			continue
		}
		rec.Secondary = append(rec.Secondary, Diagnosis{Code: codeset.Normalize(code), POA: poaAt(row, c.POA, i+1)})
	}

	for i, col := range c.Procedures {
		code := row.Get(col)
		if code == "" {
			continue
		}
		p := Procedure{Code: codeset.Normalize(code), Sequence: i + 1}
		if i < len(c.ProcedureDates) {
			if raw := row.Get(c.ProcedureDates[i]); raw != "" {
				d, err := parseDate(raw)
				if err != nil {
					return fail(ReasonMalformedDate, c.ProcedureDates[i], raw)
				}
				if i < len(c.ProcedureTimes) {
					d = withTime(d, row.Get(c.ProcedureTimes[i]))
				}
				p.At = d
			}
		}
		rec.Procedures = append(rec.Procedures, p)
	}

	return rec, nil
}

// DaysBetween counts calendar days from a to b, ignoring time of day.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func trim(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
}

// parseInt accepts integers and integral decimals such as "45.0", which is how
// spreadsheets often render numeric cells.
func parseInt(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int(f), nil
}

// FormatDRG renders an MS-DRG as a three-digit code when it is numeric.
func FormatDRG(s string) string {
	if v, err := parseInt(s); err == nil && v >= 0 {
		return fmt.Sprintf("%03d", v)
	}
	return codeset.Normalize(s)
}

func parseSex(s string) Sex {
	switch strings.ToUpper(s) {
	case "M", "MALE", "1":
		return SexMale
	case "F", "FEMALE", "2":
		return SexFemale
	default:
		return SexUnknown
	}
}

func parseAdmissionType(s string) (AdmissionType, bool) {
	if s == "" {
		return AdmissionUnknown, true
	}
	if v, err := parseInt(s); err == nil {
		switch v {
		case 1:
			return AdmissionEmergency, true
		case 2:
			return AdmissionUrgent, true
		case 3:
			return AdmissionElective, true
		case 4:
			return AdmissionNewborn, true
		case 5:
			return AdmissionTrauma, true
		case 9:
			return AdmissionUnknown, true
		}
		return AdmissionUnknown, false
	}
	return ParseAdmissionName(strings.ToLower(s))
}

// ParsePOA maps a claim POA token. Unrecognized tokens read as missing.
func ParsePOA(s string) POA {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "Y":
		return POAYes
	case "N":
		return POANo
	case "U":
		return POAUnknown
	case "W":
		return POAUndetermined
	case "E", "1":
		return POAExempt
	default:
		return POAMissing
	}
}

func poaAt(row RawRow, cols []string, i int) POA {
	if i >= len(cols) {
		return POAMissing
	}
	return ParsePOA(row.Get(cols[i]))
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "01-02-06", "1-2-06", "2006/01/02"}

// excelEpoch is day zero of the spreadsheet serial date system.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// parseDate reads a calendar date, optionally followed by a time of day
// ("2024-03-01 08:30", "2024-03-01T08:30:00"). Spreadsheet serials keep their
// fractional part as the time of day.
func parseDate(s string) (time.Time, error) {
	fields := strings.Fields(s)
	token, clock := fields[0], ""
	if len(fields) > 1 {
		clock = fields[1]
	}
	if i := strings.IndexByte(token, 'T'); i == 10 {
		token, clock = token[:i], token[i+1:]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, token); err == nil {
			return withTime(t, clock), nil
		}
	}
	if serial, err := strconv.ParseFloat(token, 64); err == nil && serial >= 1 && serial < 2958466 {
		days := math.Floor(serial)
		d := excelEpoch.AddDate(0, 0, int(days))
		return d.Add(dayFraction(serial - days)), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// dayFraction converts a fraction of a day to a duration, rounded to the
// second so 08:30 stored as 0.3541666... does not read back as 08:29:59.
func dayFraction(f float64) time.Duration {
	return time.Duration(math.Round(f*86400)) * time.Second
}

// withTime sets the time of day of d from an HH:MM, HH:MM:SS or HHMM clock,
// or from a spreadsheet day fraction in [0, 1). Unparseable times leave d
// unchanged.
func withTime(d time.Time, s string) time.Time {
	if s == "" {
		return d
	}
	midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	var h, m, sec int
	var err error
	if parts := strings.Split(s, ":"); len(parts) >= 2 {
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return d
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return d
		}
		if len(parts) > 2 {
			// Fractional or zoned seconds are dropped.
			if v, err := strconv.Atoi(parts[2]); err == nil && v >= 0 && v < 60 {
				sec = v
			}
		}
	} else if len(s) == 4 && !strings.Contains(s, ".") {
		if h, err = strconv.Atoi(s[:2]); err != nil {
			return d
		}
		if m, err = strconv.Atoi(s[2:]); err != nil {
			return d
		}
	} else if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f < 1 {
		return midnight.Add(dayFraction(f))
	} else {
		return d
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return d
	}
	return midnight.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second)
}
