package discharge

import "time"

// POA is a present-on-admission indicator as coded on the claim.
type POA int

const (
	POAMissing POA = iota
	POAYes
	POANo
	POAUnknown
	POAUndetermined
	POAExempt
)

func (p POA) String() string {
	switch p {
	case POAYes:
		return "Y"
	case POANo:
		return "N"
	case POAUnknown:
		return "U"
	case POAUndetermined:
		return "W"
	case POAExempt:
		return "E"
	default:
		return ""
	}
}

type Sex int

const (
	SexUnknown Sex = iota
	SexMale
	SexFemale
)

func (s Sex) String() string {
	switch s {
	case SexMale:
		return "M"
	case SexFemale:
		return "F"
	default:
		return "U"
	}
}

// AdmissionType follows the UB-04 priority of admission codes.
type AdmissionType int

const (
	AdmissionUnknown AdmissionType = iota
	AdmissionEmergency
	AdmissionUrgent
	AdmissionElective
	AdmissionNewborn
	AdmissionTrauma
)

var admissionNames = map[AdmissionType]string{
	AdmissionUnknown:   "unknown",
	AdmissionEmergency: "emergency",
	AdmissionUrgent:    "urgent",
	AdmissionElective:  "elective",
	AdmissionNewborn:   "newborn",
	AdmissionTrauma:    "trauma",
}

func (a AdmissionType) String() string { return admissionNames[a] }

// ParseAdmissionName maps a lower-case admission type name back to its value.
func ParseAdmissionName(name string) (AdmissionType, bool) {
	for k, v := range admissionNames {
		if v == name {
			return k, true
		}
	}
	return AdmissionUnknown, false
}

// Diagnosis is a coded diagnosis with its POA flag.
type Diagnosis struct {
	Code string
	POA  POA
}

// Procedure is a coded procedure. At is the zero time when undated.
type Procedure struct {
	Code     string
	At       time.Time
	Sequence int
}

// Dated reports whether the procedure carries a date.
func (p Procedure) Dated() bool { return !p.At.IsZero() }

// Record is one normalized discharge. It is read-only after Normalize.
type Record struct {
	ID         string
	Row        int
	FacilityID string

	Age           int
	Sex           Sex
	AdmissionType AdmissionType

	MSDRG       string
	MDC         int
	Disposition int
	Origin      string

	AdmissionDate time.Time
	DischargeDate time.Time
	// LengthOfStay is -1 when neither the column nor both dates are present.
	LengthOfStay int

	Principal  Diagnosis
	Secondary  []Diagnosis
	Procedures []Procedure
}

// Diagnoses returns the principal diagnosis followed by the secondaries.
func (r *Record) Diagnoses() []Diagnosis {
	out := make([]Diagnosis, 0, len(r.Secondary)+1)
	out = append(out, r.Principal)
	return append(out, r.Secondary...)
}

// RawRow is a single tabular input row keyed by column header.
type RawRow struct {
	// Line is the 1-based data row number in the source, for rejection reports.
	Line   int
	Fields map[string]string
}

// Get returns the trimmed cell value for column.
func (r RawRow) Get(column string) string {
	return trim(r.Fields[column])
}
