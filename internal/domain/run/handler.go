package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/psi/internal/domain/indicator"
	"github.com/ehr/psi/internal/platform/auth"
	"github.com/ehr/psi/internal/platform/spreadsheet"
	"github.com/ehr/psi/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAnalyst, auth.RoleViewer))
	read.GET("/runs", h.ListRuns)
	read.GET("/runs/:id", h.GetRun)
	read.GET("/runs/:id/export", h.ExportRun)

	write := api.Group("", auth.RequireRole(auth.RoleAnalyst))
	write.POST("/runs", h.CreateRun)
}

// CreateRun evaluates an uploaded spreadsheet. The file goes in the multipart
// field "file"; "indicators" optionally restricts the run to a comma list.
func (h *Handler) CreateRun(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	rows, err := spreadsheet.Read(fh.Filename, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	r, err := h.svc.Execute(c.Request().Context(), Request{
		SourceName: fh.Filename,
		Rows:       rows,
		Indicators: indicator.ParseIDs(c.FormValue("indicators")),
	})
	if err != nil {
		return runError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/runs/"+r.ID.String())
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return runError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Run{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ExportRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var buf bytes.Buffer
	if err := h.svc.Export(c.Request().Context(), id, &buf); err != nil {
		return runError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "psi-run-"+id.String()+".xlsx"))
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

// runError maps service errors onto HTTP statuses.
func runError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.Is(err, indicator.ErrUnknownIndicator):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "evaluation cancelled before completion")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
