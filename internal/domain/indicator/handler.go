package indicator

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/psi/internal/platform/auth"
)

type Handler struct {
	catalog *Catalog
}

func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAnalyst, auth.RoleViewer))
	read.GET("/indicators", h.ListIndicators)
	read.GET("/indicators/:id", h.GetIndicator)
}

// Summary is the public description of a compiled indicator.
type Summary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	POA         POAPolicy         `json:"poa_policy"`
	Rules       map[Role][]string `json:"rules"`
	CodeSets    []string          `json:"code_sets"`
	Categories  []string          `json:"categories,omitempty"`
}

// Summarize describes ind for listings.
func Summarize(ind *Indicator) Summary {
	names := func(rs ruleSet) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.name)
		}
		return out
	}
	s := Summary{
		ID:       ind.ID,
		Name:     ind.Name,
		Version:  ind.Version,
		POA:      ind.Policy,
		CodeSets: ind.CodeSets(),
		Rules: map[Role][]string{
			RoleEligibility: names(ind.eligibility),
			RoleExclusion:   names(ind.exclusions),
			RoleNumerator:   names(ind.numerator),
		},
	}
	if ind.def != nil {
		s.Description = ind.def.Description
	}
	switch {
	case ind.categoryFromEligibility:
		s.Categories = names(ind.eligibility)
	case ind.defaultCategory != "":
		s.Categories = append(names(ind.categories), ind.defaultCategory)
	}
	return s
}

func (h *Handler) ListIndicators(c echo.Context) error {
	all := h.catalog.All()
	out := make([]Summary, 0, len(all))
	for _, ind := range all {
		out = append(out, Summarize(ind))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version":    h.catalog.Version(),
		"indicators": out,
	})
}

func (h *Handler) GetIndicator(c echo.Context) error {
	ind, ok := h.catalog.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "indicator not found")
	}
	return c.JSON(http.StatusOK, Summarize(ind))
}
