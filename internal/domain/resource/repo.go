package resource

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrGone               = errors.New("resource deleted")
	ErrVersionConflict    = errors.New("version conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalid            = errors.New("invalid resource")
	ErrUnprocessable      = errors.New("unprocessable resource")

	// ErrMultipleMatches is a failed precondition: conditional criteria
	// selected more than one resource.
	ErrMultipleMatches = fmt.Errorf("%w: multiple matches", ErrPreconditionFailed)
)

// Repository stores versioned resources. Every write appends exactly one
// version; Save fails with ErrVersionConflict unless v.VersionID is one
// greater than the current version (or 1 for a new resource).
type Repository interface {
	// Current returns the latest version, which may be a deletion.
	Current(ctx context.Context, resourceType, id string) (*Version, error)
	Version(ctx context.Context, resourceType, id string, versionID int) (*Version, error)
	Save(ctx context.Context, v *Version) error
	// History returns versions newest first. An empty id selects every
	// resource of the type.
	History(ctx context.Context, resourceType, id string) ([]*Version, error)
	// Search returns current, non-deleted resources matching criteria in id
	// order. limit <= 0 means no limit.
	Search(ctx context.Context, resourceType string, criteria Criteria, limit int) ([]*Version, error)
}
