package repo

import (
	"context"
	"fmt"

	"github.com/openfhir/fhirstore/internal/platform/db"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/search"
)

// ConditionalResult reports what a conditional operation did.
type ConditionalResult struct {
	Resource fhir.Resource
	// Created is true when the operation wrote a first version rather than
	// matching an existing resource.
	Created bool
	// Deleted counts tombstoned resources for conditional delete.
	Deleted int
}

// ConditionalCreate executes the If-None-Exist search inside the write
// transaction. No match creates; one match returns the existing resource
// without writing; more than one fails.
func (r *Repository) ConditionalCreate(ctx context.Context, resource fhir.Resource, query string) (*ConditionalResult, error) {
	if err := r.checkType(resource); err != nil {
		return nil, err
	}
	out := &ConditionalResult{}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		matches, err := r.conditionalMatches(ctx, resource.Type(), query, 2)
		if err != nil {
			return err
		}
		switch len(matches) {
		case 0:
			created, err := r.Create(ctx, resource, WriteOptions{})
			if err != nil {
				return err
			}
			out.Resource = created
			out.Created = true
		case 1:
			out.Resource = matches[0].Resource
		default:
			return fhir.PreconditionFailed(fmt.Sprintf("conditional create matched %d resources", len(matches)))
		}
		return nil
	})
	if err != nil {
		return nil, classifyDBError(err)
	}
	return out, nil
}

// ConditionalUpdate updates the single match, creates on no match, and fails
// on multiple matches.
func (r *Repository) ConditionalUpdate(ctx context.Context, resource fhir.Resource, query string) (*ConditionalResult, error) {
	if err := r.checkType(resource); err != nil {
		return nil, err
	}
	out := &ConditionalResult{}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		matches, err := r.conditionalMatches(ctx, resource.Type(), query, 2)
		if err != nil {
			return err
		}
		switch len(matches) {
		case 0:
			created, err := r.Create(ctx, resource, WriteOptions{})
			if err != nil {
				return err
			}
			out.Resource = created
			out.Created = true
		case 1:
			if resource.ID() != "" && resource.ID() != matches[0].ID {
				return fhir.BadRequest("resource id does not match the conditional update target")
			}
			next := resource.DeepCopy()
			next.SetID(matches[0].ID)
			updated, err := r.Update(ctx, next, WriteOptions{})
			if err != nil {
				return err
			}
			out.Resource = updated
		default:
			return fhir.PreconditionFailed(fmt.Sprintf("conditional update matched %d resources", len(matches)))
		}
		return nil
	})
	if err != nil {
		return nil, classifyDBError(err)
	}
	return out, nil
}

// ConditionalDelete tombstones every match.
func (r *Repository) ConditionalDelete(ctx context.Context, resourceType, query string) (*ConditionalResult, error) {
	if err := r.checkTypeName(resourceType); err != nil {
		return nil, err
	}
	out := &ConditionalResult{}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		matches, err := r.conditionalMatches(ctx, resourceType, query, search.MaxCount)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := r.Delete(ctx, resourceType, m.ID); err != nil {
				return err
			}
			out.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, classifyDBError(err)
	}
	return out, nil
}

// conditionalMatches compiles and runs the conditional search with FOR
// UPDATE so the branch decision holds until commit.
func (r *Repository) conditionalMatches(ctx context.Context, resourceType, query string, limit int) ([]search.Result, error) {
	req, err := search.ParseQueryString(resourceType, query)
	if err != nil {
		return nil, err
	}
	matches, _, err := r.executor.Execute(ctx, req, search.CompileOptions{ForUpdate: true, Limit: limit})
	return matches, err
}
