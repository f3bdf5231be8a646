package obstree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one filter view over a patient's tree set. Its mutex makes the
// engine's single-actor assumption hold when requests arrive concurrently.
type Session struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Concepts  []string

	mu       sync.Mutex
	roots    []*Node
	engine   *Engine
	lastUsed time.Time
}

// SessionView is the serializable state of a session.
type SessionView struct {
	ID        uuid.UUID      `json:"id"`
	PatientID uuid.UUID      `json:"patient_id"`
	Concepts  []string       `json:"concepts"`
	Selected  []string       `json:"selected"`
	Outline   []OutlineEntry `json:"outline"`
}

func (ss *Session) view() *SessionView {
	selected := ss.engine.Selected()
	if selected == nil {
		selected = []string{}
	}
	return &SessionView{
		ID:        ss.ID,
		PatientID: ss.PatientID,
		Concepts:  ss.Concepts,
		Selected:  selected,
		Outline:   Outline(ss.roots, ss.engine),
	}
}

// OpenSession fetches the trees for concepts and starts a filter session
// with nothing selected.
func (s *Service) OpenSession(ctx context.Context, patientID uuid.UUID, concepts []string) (*SessionView, error) {
	roots, err := s.Trees(ctx, patientID, concepts)
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		concepts = s.concepts
	}
	ss := &Session{
		ID:        uuid.New(),
		PatientID: patientID,
		Concepts:  append([]string(nil), concepts...),
		roots:     roots,
		engine:    NewEngine(BuildIndex(roots)),
		lastUsed:  s.now(),
	}

	s.mu.Lock()
	s.sessions[ss.ID] = ss
	open := len(s.sessions)
	s.mu.Unlock()
	s.metrics.CountOperation("open")
	s.metrics.SetOpenSessions(open)

	s.logger.Debug().
		Str("session_id", ss.ID.String()).
		Str("patient_id", patientID.String()).
		Int("leaves", len(ss.engine.Index().leaves)).
		Msg("filter session opened")

	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.view(), nil
}

// HasSession reports whether id names an open session.
func (s *Service) HasSession(id uuid.UUID) bool {
	_, err := s.lookup(id)
	return err == nil
}

func (s *Service) lookup(id uuid.UUID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ss, nil
}

// withSession runs fn with the session locked and returns its view.
func (s *Service) withSession(id uuid.UUID, fn func(ss *Session)) (*SessionView, error) {
	ss, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.lastUsed = s.now()
	if fn != nil {
		fn(ss)
	}
	return ss.view(), nil
}

// mutate is withSession for state changes: the new view is published to
// the feed before the session is unlocked, so followers see updates in
// order. A rejected change publishes nothing.
func (s *Service) mutate(id uuid.UUID, op string, fn func(ss *Session) error) (*SessionView, error) {
	var view *SessionView
	var opErr error
	_, err := s.withSession(id, func(ss *Session) {
		if opErr = fn(ss); opErr != nil {
			return
		}
		view = ss.view()
		s.feed.Publish(ss.ID.String(), EventSessionUpdated, view)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	s.metrics.CountOperation(op)
	return view, nil
}

func (s *Service) SessionView(id uuid.UUID) (*SessionView, error) {
	return s.withSession(id, nil)
}

// Toggle applies one checkbox click to the session. Names that are not a
// parent or a leaf with data in the session's trees are rejected with
// ErrUnknownNode.
func (s *Service) Toggle(id uuid.UUID, flatName string) (*SessionView, error) {
	return s.mutate(id, "toggle", func(ss *Session) error {
		if !ss.engine.Index().Selectable(flatName) {
			return fmt.Errorf("%w: %q", ErrUnknownNode, flatName)
		}
		ss.engine.Toggle(flatName)
		return nil
	})
}

// Reset clears the session's selection.
func (s *Service) Reset(id uuid.UUID) (*SessionView, error) {
	return s.mutate(id, "reset", func(ss *Session) error {
		ss.engine.Reset()
		return nil
	})
}

// Filtered returns the session's trees restricted to its selection.
func (s *Service) Filtered(id uuid.UUID) ([]*Node, error) {
	ss, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.lastUsed = s.now()
	return Filter(ss.roots, ss.engine), nil
}

// Refresh refetches the session's trees. The selection is kept when the
// new trees have the same shape, and reset otherwise.
func (s *Service) Refresh(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	ss, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	roots, err := s.Trees(ctx, ss.PatientID, ss.Concepts)
	if err != nil {
		return nil, err
	}
	return s.mutate(id, "refresh", func(ss *Session) error {
		ss.roots = roots
		if kept := ss.engine.Rebind(BuildIndex(roots)); !kept {
			s.logger.Info().Str("session_id", id.String()).Msg("tree shape changed, selection reset")
		}
		return nil
	})
}

func (s *Service) CloseSession(id uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	open := len(s.sessions)
	s.mu.Unlock()

	s.closed(id)
	s.metrics.CountOperation("close")
	s.metrics.SetOpenSessions(open)
	return nil
}

func (s *Service) closed(id uuid.UUID) {
	topic := id.String()
	s.feed.Publish(topic, EventSessionClosed, map[string]string{"id": topic})
	s.feed.Close(topic)
}

// PruneSessions drops sessions idle for longer than ttl and returns how
// many were removed. Session locks are never taken while the session map
// is locked.
func (s *Service) PruneSessions(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	candidates := make([]*Session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		candidates = append(candidates, ss)
	}
	s.mu.Unlock()

	var idle []*Session
	for _, ss := range candidates {
		ss.mu.Lock()
		if ss.lastUsed.Before(cutoff) {
			idle = append(idle, ss)
		}
		ss.mu.Unlock()
	}

	var pruned []uuid.UUID
	s.mu.Lock()
	for _, ss := range idle {
		if s.sessions[ss.ID] == ss {
			delete(s.sessions, ss.ID)
			pruned = append(pruned, ss.ID)
		}
	}
	open := len(s.sessions)
	s.mu.Unlock()

	for _, id := range pruned {
		s.closed(id)
	}
	if len(pruned) > 0 {
		s.metrics.SetOpenSessions(open)
	}
	return len(pruned)
}

// RunPruner calls PruneSessions every interval until ctx is done.
func (s *Service) RunPruner(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.PruneSessions(ttl); n > 0 {
				s.logger.Info().Int("count", n).Msg("pruned idle filter sessions")
			}
		}
	}
}
