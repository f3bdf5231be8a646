package obstree

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler() (*Handler, *echo.Echo, uuid.UUID) {
	svc, _, patient := newTestService()
	return NewHandler(svc), echo.New(), patient
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func openTestSession(t *testing.T, h *Handler, e *echo.Echo, patient uuid.UUID) *SessionView {
	t.Helper()
	body := `{"patient_id":"` + patient.String() + `","concepts":["hematology-uuid"]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.OpenSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var view SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return &view
}

func TestHandler_GetTrees(t *testing.T) {
	h, e, patient := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?concept=hematology-uuid&concept=imaging-uuid", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id")
	c.SetParamValues(patient.String())

	if err := h.GetTrees(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var trees []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &trees); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(trees) != 2 || trees[0]["flatName"] != "Hematology" || trees[1]["flatName"] != "Imaging" {
		t.Errorf("unexpected trees %v", trees)
	}
}

func TestHandler_GetTrees_Errors(t *testing.T) {
	h, e, patient := newTestHandler()
	tests := []struct {
		name    string
		patient string
		query   string
		code    int
	}{
		{"invalid patient", "nope", "?concept=x", http.StatusBadRequest},
		{"no concepts", patient.String(), "", http.StatusBadRequest},
		{"unknown concept", patient.String(), "?concept=missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("patient_id")
			c.SetParamValues(tt.patient)
			expectHTTPStatus(t, h.GetTrees(c), tt.code)
		})
	}
}

func TestHandler_ListConcepts(t *testing.T) {
	h, e, patient := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id")
	c.SetParamValues(patient.String())

	if err := h.ListConcepts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"concepts":["hematology-uuid","imaging-uuid"]`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_PutTree(t *testing.T) {
	h, e, patient := newTestHandler()
	body := "display: Chemistry\nsubSets:\n  - display: K\n    lowNormal: 3.5\n    hiNormal: 5.1\n    obs:\n      - value: 6.2\n"
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id", "concept")
	c.SetParamValues(patient.String(), "chemistry-uuid")

	if err := h.PutTree(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"interpretation":"HIGH"`) {
		t.Errorf("expected annotated response, got %s", rec.Body.String())
	}

	tree, err := h.svc.Tree(c.Request().Context(), patient, "chemistry-uuid")
	if err != nil || tree.Display != "Chemistry" {
		t.Errorf("expected stored tree, got %v %v", tree, err)
	}
}

func TestHandler_PutTree_UsesServiceAssessor(t *testing.T) {
	h, e, patient := newTestHandler()
	h.svc.SetAssessor(func(*RawNode) func(Value) Interpretation {
		return func(Value) Interpretation { return InterpretationCritHigh }
	})
	body := `{"display":"Chemistry","subSets":[{"display":"K","obs":[{"value":4.0}]}]}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id", "concept")
	c.SetParamValues(patient.String(), "chemistry-uuid")

	if err := h.PutTree(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"interpretation":"CRITICALLY_HIGH"`) {
		t.Errorf("expected the service assessor in the response, got %s", rec.Body.String())
	}

	tree, err := h.svc.Tree(c.Request().Context(), patient, "chemistry-uuid")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if got := tree.SubSets[0].Obs[0].Interpretation; got != InterpretationCritHigh {
		t.Errorf("expected GET to agree with PUT, got %q", got)
	}
}

func TestHandler_PutTree_Invalid(t *testing.T) {
	h, e, patient := newTestHandler()
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"subSets":[]}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id", "concept")
	c.SetParamValues(patient.String(), "c")

	expectHTTPStatus(t, h.PutTree(c), http.StatusBadRequest)
}

func TestHandler_PutTree_ReadOnly(t *testing.T) {
	h := NewHandler(NewService(newMemRepo(), nil, zerolog.Nop()))
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"display":"A"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id", "concept")
	c.SetParamValues(uuid.New().String(), "c")

	expectHTTPStatus(t, h.PutTree(c), http.StatusNotImplemented)
}

func TestHandler_DeleteTree(t *testing.T) {
	h, e, patient := newTestHandler()
	for _, code := range []int{http.StatusNoContent, http.StatusNotFound} {
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("patient_id", "concept")
		c.SetParamValues(patient.String(), "imaging-uuid")

		err := h.DeleteTree(c)
		if code == http.StatusNotFound {
			expectHTTPStatus(t, err, code)
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != code {
			t.Errorf("expected %d, got %d", code, rec.Code)
		}
	}
}

func TestHandler_OpenSession_BadRequest(t *testing.T) {
	h, e, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"concepts":["hematology-uuid"]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	expectHTTPStatus(t, h.OpenSession(c), http.StatusBadRequest)
}

func TestHandler_ToggleAndFiltered(t *testing.T) {
	h, e, patient := newTestHandler()
	view := openTestSession(t, h, e, patient)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"flat_name":"Hematology-Chemistry"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())

	if err := h.Toggle(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"selected":["Hematology-Chemistry-Na"]`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())

	if err := h.GetFiltered(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Hematology-Chemistry-Na") || strings.Contains(body, "Hematology-CBC") {
		t.Errorf("expected only the Chemistry branch, got %s", body)
	}
}

func TestHandler_Toggle_Errors(t *testing.T) {
	h, e, patient := newTestHandler()
	view := openTestSession(t, h, e, patient)

	tests := []struct {
		name string
		id   string
		body string
		code int
	}{
		{"invalid id", "nope", `{"flat_name":"x"}`, http.StatusBadRequest},
		{"missing flat name", view.ID.String(), `{}`, http.StatusBadRequest},
		{"unknown session", uuid.New().String(), `{"flat_name":"x"}`, http.StatusNotFound},
		{"unknown flat name", view.ID.String(), `{"flat_name":"Hematology-Ghost"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			expectHTTPStatus(t, h.Toggle(c), tt.code)
		})
	}
}

func TestHandler_SessionLifecycle(t *testing.T) {
	h, e, patient := newTestHandler()
	view := openTestSession(t, h, e, patient)

	steps := []struct {
		name string
		fn   func(echo.Context) error
		code int
	}{
		{"get", h.GetSession, http.StatusOK},
		{"reset", h.Reset, http.StatusOK},
		{"refresh", h.Refresh, http.StatusOK},
		{"close", h.CloseSession, http.StatusNoContent},
	}
	for _, step := range steps {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(view.ID.String())
		if err := step.fn(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", step.name, err)
		}
		if rec.Code != step.code {
			t.Errorf("%s: expected %d, got %d", step.name, step.code, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())
	expectHTTPStatus(t, h.GetSession(c), http.StatusNotFound)
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e, _ := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/patients/:patient_id/obstree":             false,
		"PUT /api/v1/patients/:patient_id/obstree/:concept":    false,
		"POST /api/v1/filter-sessions":                         false,
		"POST /api/v1/filter-sessions/:id/toggle":              false,
		"DELETE /api/v1/filter-sessions/:id":                   false,
		"GET /api/v1/filter-sessions/:id/filtered":             false,
		"GET /api/v1/filter-sessions/:id/events":               false,
		"DELETE /api/v1/patients/:patient_id/obstree/:concept": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrTreeNotFound, http.StatusNotFound},
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrNoConcepts, http.StatusBadRequest},
		{ErrInvalidTree, http.StatusBadRequest},
		{ErrReadOnlySource, http.StatusNotImplemented},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		expectHTTPStatus(t, httpError(tt.err), tt.code)
	}
}

type fakeStream struct {
	topics   []string
	live     []bool
	register func() // runs where the hub would register the client
}

func (f *fakeStream) Serve(c echo.Context, topic string, live func() bool) error {
	f.topics = append(f.topics, topic)
	if f.register != nil {
		f.register()
	}
	f.live = append(f.live, live())
	return c.NoContent(http.StatusSwitchingProtocols)
}

func TestHandler_SessionEvents(t *testing.T) {
	h, e, patient := newTestHandler()
	view := openTestSession(t, h, e, patient)

	eventsContext := func(id string) echo.Context {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(id)
		return c
	}

	expectHTTPStatus(t, h.SessionEvents(eventsContext(view.ID.String())), http.StatusNotImplemented)

	stream := &fakeStream{}
	h.SetEvents(stream)
	expectHTTPStatus(t, h.SessionEvents(eventsContext("nope")), http.StatusBadRequest)
	expectHTTPStatus(t, h.SessionEvents(eventsContext(uuid.New().String())), http.StatusNotFound)

	if err := h.SessionEvents(eventsContext(view.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stream.topics) != 1 || stream.topics[0] != view.ID.String() {
		t.Errorf("expected stream for session topic, got %v", stream.topics)
	}
	if len(stream.live) != 1 || !stream.live[0] {
		t.Errorf("expected an open session to report live, got %v", stream.live)
	}
}

func TestHandler_SessionEvents_ClosedDuringUpgrade(t *testing.T) {
	h, e, patient := newTestHandler()
	view := openTestSession(t, h, e, patient)

	stream := &fakeStream{register: func() {
		if err := h.svc.CloseSession(view.ID); err != nil {
			t.Errorf("CloseSession: %v", err)
		}
	}}
	h.SetEvents(stream)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())
	if err := h.SessionEvents(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stream.live) != 1 || stream.live[0] {
		t.Errorf("expected the stream to see the session gone, got %v", stream.live)
	}
}
