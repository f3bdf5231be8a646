package obstree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SessionFeed receives session state changes. Topics are session ids.
type SessionFeed interface {
	Publish(topic, eventType string, payload interface{})
	Close(topic string)
}

// Recorder receives service measurements.
type Recorder interface {
	CountOperation(op string)
	ObserveFetch(d time.Duration, err error)
	SetOpenSessions(n int)
}

type nopFeed struct{}

func (nopFeed) Publish(string, string, interface{}) {}
func (nopFeed) Close(string)                        {}

type nopRecorder struct{}

func (nopRecorder) CountOperation(string)             {}
func (nopRecorder) ObserveFetch(time.Duration, error) {}
func (nopRecorder) SetOpenSessions(int)               {}

// Session event types published on the feed.
const (
	EventSessionUpdated = "session.updated"
	EventSessionClosed  = "session.closed"
)

type Service struct {
	source   TreeSource
	docs     DocumentRepository
	assess   Assessor
	concepts []string
	logger   zerolog.Logger
	now      func() time.Time
	feed     SessionFeed
	metrics  Recorder

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewService reads trees from source. docs may be nil when the source is
// read-only (e.g. a remote OpenMRS server).
func NewService(source TreeSource, docs DocumentRepository, logger zerolog.Logger) *Service {
	return &Service{
		source:   source,
		docs:     docs,
		assess:   AssessValue,
		logger:   logger,
		now:      time.Now,
		feed:     nopFeed{},
		metrics:  nopRecorder{},
		sessions: make(map[uuid.UUID]*Session),
	}
}

// SetAssessor replaces the interpretation rule used for new trees.
func (s *Service) SetAssessor(a Assessor) {
	if a == nil {
		a = AssessValue
	}
	s.assess = a
}

// SetFeed publishes session updates to feed.
func (s *Service) SetFeed(feed SessionFeed) {
	if feed == nil {
		feed = nopFeed{}
	}
	s.feed = feed
}

func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.metrics = r
}

// SetDefaultConcepts sets the concepts shown when a request names none.
func (s *Service) SetDefaultConcepts(concepts []string) {
	s.concepts = append([]string(nil), concepts...)
}

// Tree fetches and annotates a single concept.
func (s *Service) Tree(ctx context.Context, patientID uuid.UUID, conceptUUID string) (*Node, error) {
	raw, err := s.source.FetchTree(ctx, patientID, conceptUUID)
	if err != nil {
		return nil, err
	}
	return s.AnnotateTree(raw), nil
}

// AnnotateTree annotates a single root with the service's assessor.
func (s *Service) AnnotateTree(raw *RawNode) *Node {
	return Annotate(raw, "", s.assess)
}

// Trees fetches the given concepts concurrently and annotates them in the
// order requested.
func (s *Service) Trees(ctx context.Context, patientID uuid.UUID, concepts []string) ([]*Node, error) {
	if len(concepts) == 0 {
		concepts = s.concepts
	}
	if len(concepts) == 0 {
		return nil, ErrNoConcepts
	}

	start := time.Now()
	raws := make([]*RawNode, len(concepts))
	g, gctx := errgroup.WithContext(ctx)
	for i, concept := range concepts {
		i, concept := i, concept
		g.Go(func() error {
			raw, err := s.source.FetchTree(gctx, patientID, concept)
			if err != nil {
				return fmt.Errorf("concept %s: %w", concept, err)
			}
			raws[i] = raw
			return nil
		})
	}
	err := g.Wait()
	s.metrics.ObserveFetch(time.Since(start), err)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("obstree fetch failed")
		return nil, err
	}
	return AnnotateAll(raws, s.assess), nil
}

func (s *Service) SaveTree(ctx context.Context, patientID uuid.UUID, conceptUUID string, tree *RawNode) error {
	if s.docs == nil {
		return ErrReadOnlySource
	}
	if patientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidTree)
	}
	if conceptUUID == "" {
		return fmt.Errorf("%w: concept is required", ErrInvalidTree)
	}
	if err := ValidateTree(tree); err != nil {
		return err
	}
	return s.docs.SaveTree(ctx, patientID, conceptUUID, tree)
}

func (s *Service) ListConcepts(ctx context.Context, patientID uuid.UUID) ([]string, error) {
	if s.docs == nil {
		return nil, ErrReadOnlySource
	}
	return s.docs.ListConcepts(ctx, patientID)
}

func (s *Service) DeleteTree(ctx context.Context, patientID uuid.UUID, conceptUUID string) error {
	if s.docs == nil {
		return ErrReadOnlySource
	}
	return s.docs.DeleteTree(ctx, patientID, conceptUUID)
}
