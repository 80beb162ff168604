package aggregate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/psi/internal/domain/discharge"
)

// Dimension is one optional stratification axis. Facility is always on.
type Dimension string

const (
	DimFacility Dimension = "facility"
	DimAgeBand  Dimension = "age_band"
	DimSex      Dimension = "sex"
	DimCategory Dimension = "category"
)

// AgeBands are ascending lower bounds, e.g. 18,40,65,75.
type AgeBands []int

// DefaultAgeBands matches the usual adult reporting bands.
var DefaultAgeBands = AgeBands{18, 40, 65, 75}

// ParseAgeBands reads a comma list of strictly ascending lower bounds.
func ParseAgeBands(s string) (AgeBands, error) {
	var out AgeBands
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid age band bound %q", part)
		}
		if len(out) > 0 && n <= out[len(out)-1] {
			return nil, fmt.Errorf("age band bounds must ascend: %d after %d", n, out[len(out)-1])
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no age band bounds in %q", s)
	}
	return out, nil
}

// Label returns the band containing age.
func (b AgeBands) Label(age int) string {
	if len(b) == 0 {
		return ""
	}
	if age < b[0] {
		return fmt.Sprintf("<%d", b[0])
	}
	i := sort.Search(len(b), func(i int) bool { return b[i] > age }) - 1
	if i == len(b)-1 {
		return fmt.Sprintf("%d+", b[i])
	}
	return fmt.Sprintf("%d-%d", b[i], b[i+1]-1)
}

// Stratification selects the key dimensions of a report.
type Stratification struct {
	AgeBand  bool
	Sex      bool
	Category bool
	Bands    AgeBands
}

// ParseStratification reads a comma list of dimension names.
func ParseStratification(spec string, bands AgeBands) (Stratification, error) {
	s := Stratification{Bands: bands}
	for _, part := range strings.Split(spec, ",") {
		switch Dimension(strings.ToLower(strings.TrimSpace(part))) {
		case "", DimFacility:
		case DimAgeBand:
			s.AgeBand = true
		case DimSex:
			s.Sex = true
		case DimCategory:
			s.Category = true
		default:
			return s, fmt.Errorf("unknown stratification dimension %q", part)
		}
	}
	if s.AgeBand && len(s.Bands) == 0 {
		s.Bands = DefaultAgeBands
	}
	return s, nil
}

// Key identifies one stratum. Dimensions that are off are empty.
type Key struct {
	Facility string `json:"facility"`
	AgeBand  string `json:"age_band,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Category string `json:"category,omitempty"`
}

func (k Key) String() string {
	parts := []string{k.Facility}
	for _, v := range []string{k.AgeBand, k.Sex, k.Category} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "|")
}

func (k Key) less(o Key) bool {
	if k.Facility != o.Facility {
		return k.Facility < o.Facility
	}
	if k.AgeBand != o.AgeBand {
		return k.AgeBand < o.AgeBand
	}
	if k.Sex != o.Sex {
		return k.Sex < o.Sex
	}
	return k.Category < o.Category
}

// KeyFor builds the stratum key of rec.
func (s Stratification) KeyFor(rec *discharge.Record, category string) Key {
	k := Key{Facility: rec.FacilityID}
	if s.AgeBand {
		k.AgeBand = s.Bands.Label(rec.Age)
	}
	if s.Sex {
		k.Sex = rec.Sex.String()
	}
	if s.Category {
		k.Category = category
	}
	return k
}
