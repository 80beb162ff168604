package indicator

import (
	"fmt"

	"github.com/ehr/psi/internal/domain/discharge"
)

// POAPolicy resolves ambiguous POA flags to present or absent. Y is always
// present and N is always absent.
type POAPolicy struct {
	Exempt       bool `json:"exempt_present"`
	Unknown      bool `json:"unknown_present"`
	Undetermined bool `json:"undetermined_present"`
	Missing      bool `json:"missing_present"`
}

// DefaultPOAPolicy treats exempt diagnoses as present and every other
// ambiguous flag as absent.
func DefaultPOAPolicy() POAPolicy {
	return POAPolicy{Exempt: true}
}

// Present reports whether a diagnosis flagged f counts as present on admission.
func (p POAPolicy) Present(f discharge.POA) bool {
	switch f {
	case discharge.POAYes:
		return true
	case discharge.POANo:
		return false
	case discharge.POAExempt:
		return p.Exempt
	case discharge.POAUnknown:
		return p.Unknown
	case discharge.POAUndetermined:
		return p.Undetermined
	default:
		return p.Missing
	}
}

func compilePolicy(id string, spec POAPolicySpec) (POAPolicy, error) {
	p := DefaultPOAPolicy()
	fields := []struct {
		name  string
		value string
		dst   *bool
	}{
		{"exempt", spec.Exempt, &p.Exempt},
		{"unknown", spec.Unknown, &p.Unknown},
		{"undetermined", spec.Undetermined, &p.Undetermined},
		{"missing", spec.Missing, &p.Missing},
	}
	for _, f := range fields {
		switch f.value {
		case "":
		case "present":
			*f.dst = true
		case "absent":
			*f.dst = false
		default:
			return p, &DefinitionError{Indicator: id, Reason: fmt.Sprintf("poa.%s must be present or absent, got %q", f.name, f.value)}
		}
	}
	return p, nil
}
