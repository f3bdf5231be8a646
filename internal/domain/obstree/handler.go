package obstree

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/obstree/internal/platform/auth"
)

// EventStream serves a live feed of one topic over the request's
// connection. live reports whether the topic is still open once the
// subscriber is registered.
type EventStream interface {
	Serve(c echo.Context, topic string, live func() bool) error
}

type Handler struct {
	svc    *Service
	events EventStream
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetEvents enables GET /filter-sessions/:id/events.
func (h *Handler) SetEvents(events EventStream) {
	h.events = events
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every clinical role
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/patients/:patient_id/obstree", h.GetTrees)
	readGroup.GET("/patients/:patient_id/obstree/concepts", h.ListConcepts)
	readGroup.POST("/filter-sessions", h.OpenSession)
	readGroup.GET("/filter-sessions/:id", h.GetSession)
	readGroup.GET("/filter-sessions/:id/filtered", h.GetFiltered)
	readGroup.GET("/filter-sessions/:id/events", h.SessionEvents)
	readGroup.POST("/filter-sessions/:id/toggle", h.Toggle)
	readGroup.POST("/filter-sessions/:id/reset", h.Reset)
	readGroup.POST("/filter-sessions/:id/refresh", h.Refresh)
	readGroup.DELETE("/filter-sessions/:id", h.CloseSession)

	// Document writes – admin, lab_tech
	writeGroup := api.Group("", auth.RequireRole(auth.WriteRoles...))
	writeGroup.PUT("/patients/:patient_id/obstree/:concept", h.PutTree)
	writeGroup.DELETE("/patients/:patient_id/obstree/:concept", h.DeleteTree)
}

type openSessionRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	Concepts  []string  `json:"concepts"`
}

type toggleRequest struct {
	FlatName string `json:"flat_name"`
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrTreeNotFound), errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoConcepts), errors.Is(err, ErrInvalidTree), errors.Is(err, ErrUnknownNode):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrReadOnlySource):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return id, nil
}

func sessionParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// GetTrees returns the annotated trees for the concepts named by repeated
// ?concept= parameters, or for the configured defaults.
func (h *Handler) GetTrees(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	trees, err := h.svc.Trees(c.Request().Context(), pid, c.QueryParams()["concept"])
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, trees)
}

func (h *Handler) ListConcepts(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	concepts, err := h.svc.ListConcepts(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	if concepts == nil {
		concepts = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id": pid,
		"concepts":   concepts,
	})
}

// PutTree stores a raw document for one concept. The body may be JSON or
// YAML.
func (h *Handler) PutTree(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	tree, err := DecodeTree(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	concept := c.Param("concept")
	if err := h.svc.SaveTree(c.Request().Context(), pid, concept, tree); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.AnnotateTree(tree))
}

func (h *Handler) DeleteTree(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTree(c.Request().Context(), pid, c.Param("concept")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) OpenSession(c echo.Context) error {
	var req openSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	view, err := h.svc.OpenSession(c.Request().Context(), req.PatientID, req.Concepts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	view, err := h.svc.SessionView(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetFiltered(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	trees, err := h.svc.Filtered(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, trees)
}

func (h *Handler) Toggle(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FlatName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "flat_name is required")
	}
	view, err := h.svc.Toggle(id, req.FlatName)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Reset(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Reset(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Refresh(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Refresh(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CloseSession(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.CloseSession(id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SessionEvents upgrades to a websocket that receives the session's view
// after every change.
func (h *Handler) SessionEvents(c echo.Context) error {
	if h.events == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "session events are not enabled")
	}
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	if _, err := h.svc.SessionView(id); err != nil {
		return httpError(err)
	}
	return h.events.Serve(c, id.String(), func() bool { return h.svc.HasSession(id) })
}
