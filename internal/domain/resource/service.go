package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// Service implements the RESTful interactions over a Repository. Every
// write runs its read-modify-write inside a transaction from scope, so a
// write that is part of a transaction Bundle joins the Bundle's
// transaction.
type Service struct {
	repo  Repository
	scope fhir.TransactionScope
	now   func() time.Time
	newID func() string
}

// NewService creates a Service. A nil scope runs writes without a
// transaction.
func NewService(repo Repository, scope fhir.TransactionScope) *Service {
	return &Service{
		repo:  repo,
		scope: scope,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID: func() string { return uuid.New().String() },
	}
}

// Create stores a new resource. With ifNoneExist set, an existing single
// match is returned instead and created is false.
func (s *Service) Create(ctx context.Context, resourceType string, content map[string]interface{}, ifNoneExist string) (v *Version, created bool, err error) {
	if err := checkContent(resourceType, content); err != nil {
		return nil, false, err
	}
	err = s.withinTx(ctx, func(ctx context.Context) error {
		if ifNoneExist != "" {
			query := fhir.IfNoneExistQuery(resourceType, ifNoneExist)
			matches, err := s.match(ctx, resourceType, query)
			if err != nil {
				return err
			}
			switch len(matches) {
			case 0:
			case 1:
				v = matches[0]
				return nil
			default:
				return multipleMatches(resourceType, query)
			}
		}
		v = s.newVersion(resourceType, s.newID(), 1, http.MethodPost, content)
		created = true
		return s.repo.Save(ctx, v)
	})
	if err != nil {
		return nil, false, err
	}
	return v, created, nil
}

// Read returns the current version.
func (s *Service) Read(ctx context.Context, resourceType, id string) (*Version, error) {
	v, err := s.repo.Current(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if v.Deleted {
		return nil, fmt.Errorf("%s: %w", v.Reference(), ErrGone)
	}
	return v, nil
}

// VRead returns a specific version.
func (s *Service) VRead(ctx context.Context, resourceType, id string, versionID int) (*Version, error) {
	v, err := s.repo.Version(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, err
	}
	if v.Deleted {
		return nil, fmt.Errorf("%s/_history/%d: %w", v.Reference(), versionID, ErrGone)
	}
	return v, nil
}

// Update replaces the resource with the given id, creating it when it does
// not exist. ifMatch, when set, must name the current version.
func (s *Service) Update(ctx context.Context, resourceType, id string, content map[string]interface{}, ifMatch string) (v *Version, created bool, err error) {
	if err := checkContent(resourceType, content); err != nil {
		return nil, false, err
	}
	bodyID, _ := content["id"].(string)
	if bodyID == "" {
		return nil, false, fmt.Errorf("%w: resource id is required for update", ErrInvalid)
	}
	if bodyID != id {
		return nil, false, fmt.Errorf("%w: resource id '%s' does not match the URL id '%s'", ErrInvalid, bodyID, id)
	}
	expected, err := expectedVersion(ifMatch)
	if err != nil {
		return nil, false, err
	}

	err = s.withinTx(ctx, func(ctx context.Context) error {
		v, created, err = s.put(ctx, resourceType, id, content, expected)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return v, created, nil
}

// ConditionalUpdate updates the single resource matching query, or creates
// one when nothing matches.
func (s *Service) ConditionalUpdate(ctx context.Context, resourceType, query string, content map[string]interface{}, ifMatch string) (v *Version, created bool, err error) {
	if err := checkContent(resourceType, content); err != nil {
		return nil, false, err
	}
	expected, err := expectedVersion(ifMatch)
	if err != nil {
		return nil, false, err
	}

	err = s.withinTx(ctx, func(ctx context.Context) error {
		matches, err := s.match(ctx, resourceType, query)
		if err != nil {
			return err
		}
		bodyID, _ := content["id"].(string)
		var id string
		switch len(matches) {
		case 0:
			id = bodyID
			if id == "" {
				id = s.newID()
			}
		case 1:
			id = matches[0].ID
			if bodyID != "" && bodyID != id {
				return fmt.Errorf("%w: resource id '%s' does not match the resource found by '%s?%s'",
					ErrInvalid, bodyID, resourceType, query)
			}
		default:
			return multipleMatches(resourceType, query)
		}
		v, created, err = s.put(ctx, resourceType, id, content, expected)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return v, created, nil
}

func (s *Service) put(ctx context.Context, resourceType, id string, content map[string]interface{}, expected int) (*Version, bool, error) {
	next, created := 1, true
	cur, err := s.repo.Current(ctx, resourceType, id)
	switch {
	case errors.Is(err, ErrNotFound):
		if expected > 0 {
			return nil, false, fmt.Errorf("%w: %s/%s does not exist", ErrPreconditionFailed, resourceType, id)
		}
	case err != nil:
		return nil, false, err
	default:
		if expected > 0 && expected != cur.VersionID {
			return nil, false, versionMismatch(expected, cur.VersionID)
		}
		next, created = cur.VersionID+1, cur.Deleted
	}

	v := s.newVersion(resourceType, id, next, http.MethodPut, content)
	if err := s.repo.Save(ctx, v); err != nil {
		return nil, false, err
	}
	return v, created, nil
}

// Patch applies a JSON Patch or merge patch to the current version.
func (s *Service) Patch(ctx context.Context, resourceType, id, contentType string, body []byte, ifMatch string) (*Version, error) {
	expected, err := expectedVersion(ifMatch)
	if err != nil {
		return nil, err
	}
	var v *Version
	err = s.withinTx(ctx, func(ctx context.Context) error {
		v, err = s.patch(ctx, resourceType, id, contentType, body, expected)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ConditionalPatch patches the single resource matching query.
func (s *Service) ConditionalPatch(ctx context.Context, resourceType, query, contentType string, body []byte, ifMatch string) (*Version, error) {
	expected, err := expectedVersion(ifMatch)
	if err != nil {
		return nil, err
	}
	var v *Version
	err = s.withinTx(ctx, func(ctx context.Context) error {
		matches, err := s.match(ctx, resourceType, query)
		if err != nil {
			return err
		}
		switch len(matches) {
		case 0:
			return fmt.Errorf("%s?%s: %w", resourceType, query, ErrNotFound)
		case 1:
			v, err = s.patch(ctx, resourceType, matches[0].ID, contentType, body, expected)
			return err
		default:
			return multipleMatches(resourceType, query)
		}
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) patch(ctx context.Context, resourceType, id, contentType string, body []byte, expected int) (*Version, error) {
	cur, err := s.Read(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if expected > 0 && expected != cur.VersionID {
		return nil, versionMismatch(expected, cur.VersionID)
	}

	patched, err := fhir.ApplyPatch(cur.Content, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	if rt, _ := patched["resourceType"].(string); rt != resourceType {
		return nil, fmt.Errorf("%w: patch must not change resourceType", ErrUnprocessable)
	}
	if pid, _ := patched["id"].(string); pid != id {
		return nil, fmt.Errorf("%w: patch must not change id", ErrUnprocessable)
	}

	v := s.newVersion(resourceType, id, cur.VersionID+1, http.MethodPatch, patched)
	if err := s.repo.Save(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Delete marks the resource deleted. Deleting a missing or already deleted
// resource succeeds and returns a nil version.
func (s *Service) Delete(ctx context.Context, resourceType, id string) (*Version, error) {
	var v *Version
	err := s.withinTx(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.delete(ctx, resourceType, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ConditionalDelete deletes the single resource matching query. No match
// is not an error.
func (s *Service) ConditionalDelete(ctx context.Context, resourceType, query string) (*Version, error) {
	var v *Version
	err := s.withinTx(ctx, func(ctx context.Context) error {
		matches, err := s.match(ctx, resourceType, query)
		if err != nil {
			return err
		}
		switch len(matches) {
		case 0:
			return nil
		case 1:
			v, err = s.delete(ctx, resourceType, matches[0].ID)
			return err
		default:
			return multipleMatches(resourceType, query)
		}
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) delete(ctx context.Context, resourceType, id string) (*Version, error) {
	cur, err := s.repo.Current(ctx, resourceType, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cur.Deleted {
		return nil, nil
	}

	v := &Version{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    cur.VersionID + 1,
		LastUpdated:  s.now(),
		Deleted:      true,
		Method:       http.MethodDelete,
	}
	if err := s.repo.Save(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Search returns one page of the resources matching query and the total
// number of matches.
func (s *Service) Search(ctx context.Context, resourceType, query string, count, offset int) ([]*Version, int, error) {
	criteria, err := ParseCriteria(query)
	if err != nil {
		return nil, 0, err
	}
	all, err := s.repo.Search(ctx, resourceType, criteria, 0)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if count >= 0 && offset+count < end {
		end = offset + count
	}
	return all[offset:end], total, nil
}

// History returns the versions of one resource, or of every resource of
// the type when id is empty, newest first.
func (s *Service) History(ctx context.Context, resourceType, id string) ([]*Version, error) {
	return s.repo.History(ctx, resourceType, id)
}

// SearchIDs implements fhir.Searcher.
func (s *Service) SearchIDs(ctx context.Context, resourceType string, params map[string]string, limit int) ([]string, error) {
	found, err := s.repo.Search(ctx, resourceType, Criteria(params), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(found))
	for i, v := range found {
		ids[i] = v.ID
	}
	return ids, nil
}

// match returns up to two resources matching a conditional query, enough
// to tell zero, one and many apart.
func (s *Service) match(ctx context.Context, resourceType, query string) ([]*Version, error) {
	criteria, err := ParseCriteria(query)
	if err != nil {
		return nil, err
	}
	if len(criteria) == 0 {
		return nil, fmt.Errorf("%w: conditional criteria '%s?%s' contain no search parameters", ErrInvalid, resourceType, query)
	}
	return s.repo.Search(ctx, resourceType, criteria, 2)
}

func (s *Service) newVersion(resourceType, id string, versionID int, method string, content map[string]interface{}) *Version {
	v := &Version{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    versionID,
		LastUpdated:  s.now(),
		Method:       method,
		Content:      copyContent(content),
	}
	v.stamp()
	return v
}

func (s *Service) withinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.scope == nil {
		return fn(ctx)
	}
	return db.WithinTx(ctx, s.scope, fn)
}

func checkContent(resourceType string, content map[string]interface{}) error {
	if content == nil {
		return fmt.Errorf("%w: a resource body is required", ErrInvalid)
	}
	rt, _ := content["resourceType"].(string)
	if rt != resourceType {
		return fmt.Errorf("%w: resourceType '%s' does not match the URL type '%s'", ErrInvalid, rt, resourceType)
	}
	return nil
}

func expectedVersion(ifMatch string) (int, error) {
	v, err := fhir.ExpectedVersion(ifMatch)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return v, nil
}

func versionMismatch(expected, current int) error {
	return fmt.Errorf("%w: If-Match version %d does not match the current version %d",
		ErrPreconditionFailed, expected, current)
}

func multipleMatches(resourceType, query string) error {
	return fmt.Errorf("%w: Conditional criteria '%s?%s' matched multiple resources.",
		ErrMultipleMatches, resourceType, query)
}
