// Package batch orchestrates FHIR batch and transaction bundles over the
// repository: per-entry isolation in batch mode, all-or-nothing execution in
// transaction mode, and urn:uuid resolution across entries.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfhir/fhirstore/internal/platform/db"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/repo"
	"github.com/openfhir/fhirstore/internal/platform/search"
)

// Ops is the slice of the repository and search surface the processor
// drives. Narrowed to an interface so entry execution is testable without a
// database.
type Ops interface {
	Create(ctx context.Context, resource fhir.Resource, opts repo.WriteOptions) (fhir.Resource, error)
	Read(ctx context.Context, resourceType, id string) (fhir.Resource, error)
	Update(ctx context.Context, resource fhir.Resource, opts repo.WriteOptions) (fhir.Resource, error)
	Patch(ctx context.Context, resourceType, id string, ops []fhir.PatchOperation, opts repo.WriteOptions) (fhir.Resource, error)
	Delete(ctx context.Context, resourceType, id string) error
	ConditionalCreate(ctx context.Context, resource fhir.Resource, query string) (*repo.ConditionalResult, error)
	ConditionalUpdate(ctx context.Context, resource fhir.Resource, query string) (*repo.ConditionalResult, error)
	ConditionalDelete(ctx context.Context, resourceType, query string) (*repo.ConditionalResult, error)
}

// Searcher runs GET entries inside bundles.
type Searcher interface {
	Search(ctx context.Context, req *search.Request) (*search.Results, error)
}

// Processor executes batch and transaction bundles.
type Processor struct {
	ops      Ops
	searcher Searcher
	pool     *pgxpool.Pool
	baseURL  string
	log      zerolog.Logger
}

// NewProcessor wires the processor. pool carries the transaction for
// transaction-mode bundles.
func NewProcessor(ops Ops, searcher Searcher, pool *pgxpool.Pool, baseURL string, log zerolog.Logger) *Processor {
	return &Processor{
		ops:      ops,
		searcher: searcher,
		pool:     pool,
		baseURL:  baseURL,
		log:      log.With().Str("component", "batch").Logger(),
	}
}

// Entry is one parsed bundle entry.
type Entry struct {
	FullURL  string
	Resource fhir.Resource
	Request  fhir.BundleRequest
}

// ParseBundle decodes and structurally validates a batch or transaction
// bundle body.
func ParseBundle(body []byte) (bundleType string, entries []Entry, err error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string              `json:"fullUrl"`
			Resource json.RawMessage     `json:"resource"`
			Request  *fhir.BundleRequest `json:"request"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil, fhir.BadRequest(fmt.Sprintf("invalid bundle JSON: %s", err.Error()))
	}
	if raw.ResourceType != "Bundle" {
		return "", nil, fhir.BadRequest(fmt.Sprintf("expected resourceType Bundle, got %q", raw.ResourceType))
	}
	if raw.Type != "batch" && raw.Type != "transaction" {
		return "", nil, fhir.BadRequest(fmt.Sprintf("bundle type must be batch or transaction, got %q", raw.Type))
	}
	for i, e := range raw.Entry {
		if e.Request == nil || e.Request.Method == "" || e.Request.URL == "" {
			return "", nil, fhir.BadRequest(fmt.Sprintf("entry %d is missing request.method or request.url", i))
		}
		entry := Entry{FullURL: e.FullURL, Request: *e.Request}
		if len(e.Resource) > 0 {
			var res fhir.Resource
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return "", nil, fhir.BadRequest(fmt.Sprintf("entry %d has an invalid resource: %s", i, err.Error()))
			}
			entry.Resource = res
		}
		entries = append(entries, entry)
	}
	return raw.Type, entries, nil
}

// Process executes the bundle and returns the batch-response or
// transaction-response bundle.
func (p *Processor) Process(ctx context.Context, body []byte) (*fhir.Bundle, error) {
	bundleType, entries, err := ParseBundle(body)
	if err != nil {
		return nil, err
	}
	if bundleType == "transaction" {
		return p.processTransaction(ctx, entries)
	}
	return p.processBatch(ctx, entries)
}

// processBatch executes every entry independently; one failure never affects
// the others.
func (p *Processor) processBatch(ctx context.Context, entries []Entry) (*fhir.Bundle, error) {
	out := fhir.NewBundle("batch-response")
	for i, entry := range entries {
		result, err := p.executeEntry(ctx, entry, nil)
		if err != nil {
			p.log.Debug().Err(err).Int("entry", i).Msg("batch entry failed")
			out.Entry = append(out.Entry, errorEntry(err))
			continue
		}
		out.Entry = append(out.Entry, result)
	}
	return out, nil
}

// processTransaction resolves urn:uuid placeholders, then executes every
// entry in bundle order on one transaction. Any failure rolls back the
// whole bundle.
func (p *Processor) processTransaction(ctx context.Context, entries []Entry) (*fhir.Bundle, error) {
	assigned := assignUrnIDs(entries)
	out := fhir.NewBundle("transaction-response")
	err := db.InTx(ctx, p.pool, func(ctx context.Context) error {
		for i, entry := range entries {
			result, err := p.executeEntry(ctx, entry, assigned)
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
			out.Entry = append(out.Entry, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// urnAssignment binds a urn:uuid placeholder to its resolved target.
type urnAssignment struct {
	ID        string
	Reference string // "<resourceType>/<id>"
}

// assignUrnIDs gives every urn:uuid fullUrl a stable target id up front so
// later entries can refer to earlier ones regardless of execution position.
func assignUrnIDs(entries []Entry) map[string]urnAssignment {
	assigned := make(map[string]urnAssignment)
	for _, entry := range entries {
		urn := entry.FullURL
		if !strings.HasPrefix(urn, "urn:uuid:") || entry.Resource == nil {
			continue
		}
		id := uuid.NewString()
		assigned[urn] = urnAssignment{
			ID:        id,
			Reference: fhir.FormatReference(entry.Resource.Type(), id),
		}
	}
	return assigned
}

// executeEntry dispatches one entry by method and URL shape. For
// transactions, every string in the resource tree matching a known urn is
// rewritten to the assigned literal reference before the write.
func (p *Processor) executeEntry(ctx context.Context, entry Entry, assigned map[string]urnAssignment) (fhir.BundleEntry, error) {
	resource := entry.Resource
	if resource != nil && len(assigned) > 0 {
		resource = resource.DeepCopy()
		mapping := make(map[string]string, len(assigned))
		for urn, a := range assigned {
			mapping[urn] = a.Reference
		}
		fhir.RewriteStrings(resource, mapping)
	}

	resourceType, id, query, err := splitRequestURL(entry.Request.URL)
	if err != nil {
		return fhir.BundleEntry{}, err
	}

	switch entry.Request.Method {
	case http.MethodPost:
		if resource == nil {
			return fhir.BundleEntry{}, fhir.BadRequest("POST entry requires a resource")
		}
		condition := entry.Request.IfNoneExist
		if condition == "" {
			condition = query
		}
		if condition != "" {
			result, err := p.ops.ConditionalCreate(ctx, resource, condition)
			if err != nil {
				return fhir.BundleEntry{}, err
			}
			status := http.StatusOK
			if result.Created {
				status = http.StatusCreated
			}
			return p.successEntry(result.Resource, status)
		}
		var opts repo.WriteOptions
		if a, ok := assigned[entry.FullURL]; ok {
			opts.AssignedID = a.ID
		}
		created, err := p.ops.Create(ctx, resource, opts)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return p.successEntry(created, http.StatusCreated)

	case http.MethodPut:
		if resource == nil {
			return fhir.BundleEntry{}, fhir.BadRequest("PUT entry requires a resource")
		}
		if query != "" {
			result, err := p.ops.ConditionalUpdate(ctx, resource, query)
			if err != nil {
				return fhir.BundleEntry{}, err
			}
			status := http.StatusOK
			if result.Created {
				status = http.StatusCreated
			}
			return p.successEntry(result.Resource, status)
		}
		if id == "" {
			return fhir.BundleEntry{}, fhir.BadRequest("PUT entry requires Type/id")
		}
		resource.SetID(id)
		updated, err := p.ops.Update(ctx, resource, repo.WriteOptions{IfMatch: etagVersion(entry.Request.IfMatch)})
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return p.successEntry(updated, http.StatusOK)

	case http.MethodPatch:
		if id == "" {
			return fhir.BundleEntry{}, fhir.BadRequest("PATCH entry requires Type/id")
		}
		ops, err := patchOpsFromResource(entry.Resource)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		patched, err := p.ops.Patch(ctx, resourceType, id, ops, repo.WriteOptions{IfMatch: etagVersion(entry.Request.IfMatch)})
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return p.successEntry(patched, http.StatusOK)

	case http.MethodDelete:
		if query != "" {
			if _, err := p.ops.ConditionalDelete(ctx, resourceType, query); err != nil {
				return fhir.BundleEntry{}, err
			}
			return noContentEntry(), nil
		}
		if id == "" {
			return fhir.BundleEntry{}, fhir.BadRequest("DELETE entry requires Type/id")
		}
		if err := p.ops.Delete(ctx, resourceType, id); err != nil {
			return fhir.BundleEntry{}, err
		}
		return noContentEntry(), nil

	case http.MethodGet:
		if id != "" {
			res, err := p.ops.Read(ctx, resourceType, id)
			if err != nil {
				return fhir.BundleEntry{}, err
			}
			return p.successEntry(res, http.StatusOK)
		}
		req, err := search.ParseQueryString(resourceType, query)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		results, err := p.searcher.Search(ctx, req)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		bundle, err := search.AssembleBundle(p.baseURL, req, results)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		raw, err := json.Marshal(bundle)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return fhir.BundleEntry{
			Resource: raw,
			Response: &fhir.BundleResponse{Status: statusLine(http.StatusOK)},
		}, nil

	default:
		return fhir.BundleEntry{}, fhir.BadRequest(fmt.Sprintf("unsupported bundle entry method %q", entry.Request.Method))
	}
}

// splitRequestURL decomposes an entry URL into resource type, optional id,
// and optional query.
func splitRequestURL(raw string) (resourceType, id, query string, err error) {
	raw = strings.TrimPrefix(raw, "/")
	if idx := strings.Index(raw, "?"); idx >= 0 {
		query = raw[idx+1:]
		raw = raw[:idx]
	}
	if raw == "" {
		return "", "", "", fhir.BadRequest("bundle entry URL is empty")
	}
	parts := strings.Split(raw, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", query, nil
	case 2:
		return parts[0], parts[1], query, nil
	default:
		return "", "", "", fhir.BadRequest(fmt.Sprintf("unsupported bundle entry URL %q", raw))
	}
}

// patchOpsFromResource accepts the operations either as a raw JSON Patch
// array carried in a Binary resource or as a Parameters-less list under
// "patches".
func patchOpsFromResource(resource fhir.Resource) ([]fhir.PatchOperation, error) {
	if resource == nil {
		return nil, fhir.BadRequest("PATCH entry requires patch operations")
	}
	raw, err := resource.Marshal()
	if err != nil {
		return nil, err
	}
	if arr, ok := resource["patches"].([]interface{}); ok {
		data, err := json.Marshal(arr)
		if err != nil {
			return nil, fhir.BadRequest("invalid patch operations")
		}
		return fhir.ParseJSONPatch(data)
	}
	return fhir.ParseJSONPatch(raw)
}

func (p *Processor) successEntry(res fhir.Resource, status int) (fhir.BundleEntry, error) {
	raw, err := res.Marshal()
	if err != nil {
		return fhir.BundleEntry{}, err
	}
	lm := res.LastUpdated()
	return fhir.BundleEntry{
		Resource: raw,
		Response: &fhir.BundleResponse{
			Status:       statusLine(status),
			Location:     res.Type() + "/" + res.ID() + "/_history/" + res.VersionID(),
			ETag:         fhir.WeakETag(res.VersionID()),
			LastModified: &lm,
		},
	}, nil
}

func noContentEntry() fhir.BundleEntry {
	return fhir.BundleEntry{
		Response: &fhir.BundleResponse{Status: statusLine(http.StatusNoContent)},
	}
}

func errorEntry(err error) fhir.BundleEntry {
	status := fhir.HTTPStatus(fhir.KindOf(err))
	return fhir.BundleEntry{
		Response: &fhir.BundleResponse{
			Status:  statusLine(status),
			Outcome: fhir.OutcomeFromError(err),
		},
	}
}

func statusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}

// etagVersion strips the weak ETag wrapper from an If-Match value.
func etagVersion(ifMatch string) string {
	v := strings.TrimPrefix(ifMatch, "W/")
	return strings.Trim(v, `"`)
}
