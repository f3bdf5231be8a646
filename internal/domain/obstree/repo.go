package obstree

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrTreeNotFound    = errors.New("obstree not found")
	ErrReadOnlySource  = errors.New("obstree source does not accept writes")
	ErrSessionNotFound = errors.New("filter session not found")
	ErrNoConcepts      = errors.New("at least one concept is required")
	ErrInvalidTree     = errors.New("invalid obstree document")
	ErrUnknownNode     = errors.New("flat name is not selectable in this session")
)

// TreeSource resolves the raw obstree of one concept for one patient.
type TreeSource interface {
	FetchTree(ctx context.Context, patientID uuid.UUID, conceptUUID string) (*RawNode, error)
}

// DocumentRepository is a TreeSource that also stores documents.
type DocumentRepository interface {
	TreeSource
	SaveTree(ctx context.Context, patientID uuid.UUID, conceptUUID string, tree *RawNode) error
	ListConcepts(ctx context.Context, patientID uuid.UUID) ([]string, error)
	DeleteTree(ctx context.Context, patientID uuid.UUID, conceptUUID string) error
}
