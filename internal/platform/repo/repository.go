// Package repo is the transactional write and read path: CRUD with version
// history and optimistic locking, conditional operations, compartment reads,
// and the history bundle builder. It is the only package permitted to mutate
// the database.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfhir/fhirstore/internal/platform/db"
	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/index"
	"github.com/openfhir/fhirstore/internal/platform/search"
)

// SchemaEpoch is the __version sentinel stamped on live rows. Tombstones
// carry -1 so maintenance queries can skip them without parsing content.
const SchemaEpoch = 1

// AccessPolicy is the instance-level enforcement hook. The repository calls
// it for writes and reads when a request context is attached.
type AccessPolicy interface {
	Allow(interaction string, resource fhir.Resource, rc *fhir.RequestContext) bool
}

// AuditSink receives AuditEvent resources describing repository mutations.
// Recording is fire-and-forget: it never blocks the write path and failures
// are swallowed.
type AuditSink interface {
	Record(ctx context.Context, event fhir.Resource)
}

// WriteOptions carry the optional inputs of create and update.
type WriteOptions struct {
	// AssignedID forces the created resource's id, as required by urn:uuid
	// resolution in transaction bundles.
	AssignedID string
	// IfMatch is the expected current versionId; a mismatch fails with
	// VersionConflict.
	IfMatch string
}

// Repository implements the persistence contract over the synthesized
// schema.
type Repository struct {
	pool     *pgxpool.Pool
	profiles *definitions.ProfileRegistry
	params   *definitions.SearchParameterRegistry
	indexer  *index.Indexer
	executor *search.Executor
	cache    *Cache
	policy   AccessPolicy
	audit    AuditSink
	log      zerolog.Logger
}

// NewRepository wires the repository. cache, policy, and audit may be nil.
func NewRepository(pool *pgxpool.Pool, profiles *definitions.ProfileRegistry, params *definitions.SearchParameterRegistry, cache *Cache, log zerolog.Logger) *Repository {
	return &Repository{
		pool:     pool,
		profiles: profiles,
		params:   params,
		indexer:  index.NewIndexer(params),
		executor: search.NewExecutor(pool, params),
		cache:    cache,
		log:      log.With().Str("component", "repo").Logger(),
	}
}

// SetAccessPolicy installs the instance-level policy hook.
func (r *Repository) SetAccessPolicy(p AccessPolicy) { r.policy = p }

// SetAuditSink installs the audit collaborator.
func (r *Repository) SetAuditSink(s AuditSink) { r.audit = s }

// Executor returns the search executor sharing this repository's pool.
func (r *Repository) Executor() *search.Executor { return r.executor }

// Cache returns the resource cache, which may be nil when disabled.
func (r *Repository) Cache() *Cache { return r.cache }

// Create persists the first version of a resource. The id is generated when
// neither the resource nor the options carry one.
func (r *Repository) Create(ctx context.Context, resource fhir.Resource, opts WriteOptions) (fhir.Resource, error) {
	if err := r.checkType(resource); err != nil {
		return nil, err
	}
	if err := r.checkPolicy("create", resource, ctx); err != nil {
		return nil, err
	}
	res := resource.DeepCopy()
	switch {
	case opts.AssignedID != "":
		res.SetID(opts.AssignedID)
	case res.ID() == "":
		res.SetID(uuid.NewString())
	}
	if _, err := uuid.Parse(res.ID()); err != nil {
		return nil, fhir.BadRequest(fmt.Sprintf("resource id %q is not a UUID", res.ID()))
	}
	res.SetVersion(uuid.NewString(), time.Now().UTC())

	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		r.cache.Invalidate(res.Type(), res.ID())
		return r.writeVersion(ctx, res)
	})
	if err != nil {
		return nil, classifyDBError(err)
	}
	r.recordAudit(ctx, "create", res)
	return res, nil
}

// Read returns the current version of (type, id), going through the cache.
func (r *Repository) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	if err := r.checkTypeName(resourceType); err != nil {
		return nil, err
	}
	if cached, ok := r.cache.Get(resourceType, id); ok {
		// The policy applies to cache hits too: a warmed cache must never
		// serve a resource the caller cannot read.
		if err := r.checkPolicy("read", cached, ctx); err != nil {
			return nil, err
		}
		return cached, nil
	}
	res, err := r.readRow(ctx, resourceType, id, false)
	if err != nil {
		return nil, err
	}
	if err := r.checkPolicy("read", res, ctx); err != nil {
		return nil, err
	}
	r.cache.Set(resourceType, id, res)
	return res, nil
}

// readRow reads the main-table row, distinguishing missing from tombstoned.
// forUpdate takes the row-level lock used by the write path.
func (r *Repository) readRow(ctx context.Context, resourceType, id string, forUpdate bool) (fhir.Resource, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fhir.NotFound(resourceType, id)
	}
	sql := fmt.Sprintf(`SELECT "content", "deleted" FROM %s WHERE "id" = $1`, quoteIdent(resourceType))
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var (
		content string
		deleted bool
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, sql, id).Scan(&content, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.NotFound(resourceType, id)
	}
	if err != nil {
		return nil, fhir.Internal("read resource", err)
	}
	if deleted {
		return nil, fhir.Gone(resourceType, id)
	}
	res, err := fhir.ParseResource([]byte(content))
	if err != nil {
		return nil, fhir.Internal(fmt.Sprintf("corrupt content for %s/%s", resourceType, id), err)
	}
	return res, nil
}

// Update writes a new version of an existing resource under a row-level
// lock, enforcing If-Match when supplied. A missing row is created with the
// caller's id (update-as-create).
func (r *Repository) Update(ctx context.Context, resource fhir.Resource, opts WriteOptions) (fhir.Resource, error) {
	if err := r.checkType(resource); err != nil {
		return nil, err
	}
	if resource.ID() == "" {
		return nil, fhir.BadRequest("update requires a resource id")
	}
	if _, err := uuid.Parse(resource.ID()); err != nil {
		return nil, fhir.BadRequest(fmt.Sprintf("resource id %q is not a UUID", resource.ID()))
	}
	if err := r.checkPolicy("update", resource, ctx); err != nil {
		return nil, err
	}

	res := resource.DeepCopy()
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		current, err := r.readRow(ctx, res.Type(), res.ID(), true)
		switch {
		case err == nil:
			if opts.IfMatch != "" && opts.IfMatch != current.VersionID() {
				return fhir.VersionConflict(res.Type(), res.ID(), opts.IfMatch, current.VersionID())
			}
		case fhir.KindOf(err) == fhir.KindNotFound:
			if opts.IfMatch != "" {
				return err
			}
		case fhir.KindOf(err) == fhir.KindGone:
			// Updating a tombstone restores the resource, unless the caller
			// pinned a version.
			if opts.IfMatch != "" {
				return fhir.VersionConflict(res.Type(), res.ID(), opts.IfMatch, "")
			}
		default:
			return err
		}

		res.SetVersion(uuid.NewString(), time.Now().UTC())
		r.cache.Invalidate(res.Type(), res.ID())
		return r.writeVersion(ctx, res)
	})
	if err != nil {
		return nil, classifyDBError(err)
	}
	r.recordAudit(ctx, "update", res)
	return res, nil
}

// Patch reads the current version, applies a JSON Patch, and updates. The
// resource's id and resourceType survive regardless of operation paths.
func (r *Repository) Patch(ctx context.Context, resourceType, id string, ops []fhir.PatchOperation, opts WriteOptions) (fhir.Resource, error) {
	current, err := r.Read(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	patched, err := fhir.ApplyJSONPatch(current, ops)
	if err != nil {
		return nil, err
	}
	patched["resourceType"] = resourceType
	patched.SetID(id)
	return r.Update(ctx, patched, opts)
}

// PatchMerge applies a JSON Merge Patch instead of a JSON Patch.
func (r *Repository) PatchMerge(ctx context.Context, resourceType, id string, patch map[string]interface{}, opts WriteOptions) (fhir.Resource, error) {
	current, err := r.Read(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	patched := fhir.ApplyMergePatch(current, patch)
	patched["resourceType"] = resourceType
	patched.SetID(id)
	return r.Update(ctx, patched, opts)
}

// Delete tombstones the row and appends a deletion history entry. Deleting
// an already-tombstoned or missing resource reports NotFound/Gone to the
// caller but a repeat delete of a tombstone stays idempotent at the row
// level: no second tombstone version is written.
func (r *Repository) Delete(ctx context.Context, resourceType, id string) error {
	if err := r.checkTypeName(resourceType); err != nil {
		return err
	}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		res, err := r.readRow(ctx, resourceType, id, true)
		if err != nil {
			if fhir.KindOf(err) == fhir.KindGone {
				return nil // already tombstoned
			}
			return err
		}
		if err := r.checkPolicy("delete", res, ctx); err != nil {
			return err
		}
		r.cache.Invalidate(resourceType, id)
		return r.writeTombstone(ctx, resourceType, id)
	})
	if err != nil {
		return classifyDBError(err)
	}
	r.recordAudit(ctx, "delete", fhir.Resource{"resourceType": resourceType, "id": id})
	return nil
}

// writeVersion performs the single-version write sequence: main-table
// UPSERT, history insert, references replacement, lookup-row replacement.
// Callers own the transaction.
func (r *Repository) writeVersion(ctx context.Context, res fhir.Resource) error {
	content, err := res.Marshal()
	if err != nil {
		return err
	}
	rs := r.indexer.Project(res)

	cols := []string{"id", "content", "lastUpdated", "deleted", "__version", "projectId"}
	vals := []interface{}{res.ID(), string(content), res.LastUpdated(), false, SchemaEpoch, r.projectID(ctx)}
	if res.Type() != "Binary" {
		cols = append(cols, "compartments")
		if len(rs.Compartments) > 0 {
			vals = append(vals, rs.Compartments)
		} else {
			vals = append(vals, nil)
		}
	}
	for _, name := range sortedColumns(rs.Columns) {
		cols = append(cols, name)
		vals = append(vals, rs.Columns[name])
	}

	q := db.Conn(ctx, r.pool)
	if _, err := q.Exec(ctx, upsertSQL(res.Type(), cols), vals...); err != nil {
		return fmt.Errorf("upsert %s row: %w", res.Type(), err)
	}
	if err := r.insertHistory(ctx, res.Type(), res.VersionID(), res.ID(), string(content), res.LastUpdated()); err != nil {
		return err
	}
	if err := r.replaceReferences(ctx, res.Type(), res.ID(), rs.References); err != nil {
		return err
	}
	return r.replaceLookupRows(ctx, res.ID(), rs)
}

// writeTombstone rewrites the row as a tombstone and clears the projections.
func (r *Repository) writeTombstone(ctx context.Context, resourceType, id string) error {
	now := time.Now().UTC()
	q := db.Conn(ctx, r.pool)
	sql := fmt.Sprintf(
		`UPDATE %s SET "content" = '', "deleted" = true, "__version" = -1, "lastUpdated" = $2 WHERE "id" = $1`,
		quoteIdent(resourceType))
	if _, err := q.Exec(ctx, sql, id, now); err != nil {
		return fmt.Errorf("tombstone %s/%s: %w", resourceType, id, err)
	}
	if err := r.insertHistory(ctx, resourceType, uuid.NewString(), id, "", now); err != nil {
		return err
	}
	if err := r.replaceReferences(ctx, resourceType, id, nil); err != nil {
		return err
	}
	return r.replaceLookupRows(ctx, id, &index.RowSet{})
}

func (r *Repository) insertHistory(ctx context.Context, resourceType, versionID, id, content string, lastUpdated time.Time) error {
	sql := fmt.Sprintf(
		`INSERT INTO %s ("versionId", "id", "content", "lastUpdated") VALUES ($1, $2, $3, $4)`,
		quoteIdent(resourceType+"_History"))
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, sql, versionID, id, content, lastUpdated); err != nil {
		return fmt.Errorf("insert %s history: %w", resourceType, err)
	}
	return nil
}

func (r *Repository) replaceReferences(ctx context.Context, resourceType, id string, refs []index.ReferenceRow) error {
	q := db.Conn(ctx, r.pool)
	table := quoteIdent(resourceType + "_References")
	if _, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "resourceId" = $1`, table), id); err != nil {
		return fmt.Errorf("clear %s references: %w", resourceType, err)
	}
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		key := ref.TargetID + "|" + ref.Code
		if seen[key] {
			continue
		}
		seen[key] = true
		sql := fmt.Sprintf(`INSERT INTO %s ("resourceId", "targetId", "code") VALUES ($1, $2, $3)`, table)
		if _, err := q.Exec(ctx, sql, id, ref.TargetID, ref.Code); err != nil {
			return fmt.Errorf("insert %s reference: %w", resourceType, err)
		}
	}
	return nil
}

func (r *Repository) replaceLookupRows(ctx context.Context, id string, rs *index.RowSet) error {
	q := db.Conn(ctx, r.pool)
	for _, table := range []string{"HumanName", "Address", "ContactPoint", "Identifier"} {
		sql := fmt.Sprintf(`DELETE FROM %s WHERE "resourceId" = $1`, quoteIdent(table))
		if _, err := q.Exec(ctx, sql, id); err != nil {
			return fmt.Errorf("clear %s rows: %w", table, err)
		}
	}
	for _, row := range rs.HumanNames {
		if _, err := q.Exec(ctx,
			`INSERT INTO "HumanName" ("resourceId", "name", "given", "family") VALUES ($1, $2, $3, $4)`,
			id, row.Name, row.Given, row.Family); err != nil {
			return fmt.Errorf("insert HumanName row: %w", err)
		}
	}
	for _, row := range rs.Addresses {
		if _, err := q.Exec(ctx,
			`INSERT INTO "Address" ("resourceId", "address", "city", "country", "postalCode", "state", "use") VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, row.Address, row.City, row.Country, row.PostalCode, row.State, row.Use); err != nil {
			return fmt.Errorf("insert Address row: %w", err)
		}
	}
	for _, row := range rs.ContactPoints {
		if _, err := q.Exec(ctx,
			`INSERT INTO "ContactPoint" ("resourceId", "system", "value", "use") VALUES ($1, $2, $3, $4)`,
			id, row.System, row.Value, row.Use); err != nil {
			return fmt.Errorf("insert ContactPoint row: %w", err)
		}
	}
	for _, row := range rs.Identifiers {
		if _, err := q.Exec(ctx,
			`INSERT INTO "Identifier" ("resourceId", "system", "value") VALUES ($1, $2, $3)`,
			id, row.System, row.Value); err != nil {
			return fmt.Errorf("insert Identifier row: %w", err)
		}
	}
	return nil
}

// Everything reads the focal Patient and every resource in its compartment
// across the target types.
func (r *Repository) Everything(ctx context.Context, patientID string, targetTypes []string) ([]fhir.Resource, error) {
	patient, err := r.Read(ctx, "Patient", patientID)
	if err != nil {
		return nil, err
	}
	out := []fhir.Resource{patient}
	for _, t := range targetTypes {
		if t == "Patient" || t == "Binary" {
			continue
		}
		if err := r.checkTypeName(t); err != nil {
			continue
		}
		sql := fmt.Sprintf(
			`SELECT "content" FROM %s WHERE $1 = ANY("compartments") AND "deleted" = false ORDER BY "lastUpdated" DESC`,
			quoteIdent(t))
		rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, patientID)
		if err != nil {
			return nil, fhir.Internal("compartment query", err)
		}
		for rows.Next() {
			var content string
			if err := rows.Scan(&content); err != nil {
				rows.Close()
				return nil, fhir.Internal("scan compartment row", err)
			}
			res, err := fhir.ParseResource([]byte(content))
			if err != nil {
				rows.Close()
				return nil, fhir.Internal("corrupt compartment content", err)
			}
			out = append(out, res)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fhir.Internal("read compartment rows", err)
		}
	}
	return out, nil
}

func (r *Repository) checkType(resource fhir.Resource) error {
	if resource.Type() == "" {
		return fhir.BadRequest("resource is missing resourceType")
	}
	return r.checkTypeName(resource.Type())
}

func (r *Repository) checkTypeName(resourceType string) error {
	p := r.profiles.ByType(resourceType)
	if p == nil || p.Kind != "resource" || p.Abstract {
		return fhir.BadRequest(fmt.Sprintf("unknown resource type %q", resourceType))
	}
	return nil
}

func (r *Repository) checkPolicy(interaction string, resource fhir.Resource, ctx context.Context) error {
	rc := fhir.RequestContextFrom(ctx)
	if r.policy == nil || rc == nil {
		return nil
	}
	if !r.policy.Allow(interaction, resource, rc) {
		return fhir.Forbidden(fmt.Sprintf("%s on %s denied by access policy", interaction, resource.Type()))
	}
	return nil
}

func (r *Repository) projectID(ctx context.Context) interface{} {
	rc := fhir.RequestContextFrom(ctx)
	if rc == nil || rc.Project == "" {
		return nil
	}
	if _, err := uuid.Parse(rc.Project); err != nil {
		return nil
	}
	return rc.Project
}

// recordAudit emits an AuditEvent through the sink without blocking the
// caller. AuditEvent writes themselves are not audited.
func (r *Repository) recordAudit(ctx context.Context, action string, res fhir.Resource) {
	if r.audit == nil || res.Type() == "AuditEvent" {
		return
	}
	rc := fhir.RequestContextFrom(ctx)
	event := fhir.Resource{
		"resourceType": "AuditEvent",
		"type": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/audit-event-type",
			"code":   "rest",
		},
		"subtype": []interface{}{map[string]interface{}{
			"system": "http://hl7.org/fhir/restful-interaction",
			"code":   action,
		}},
		"recorded": time.Now().UTC().Format(time.RFC3339Nano),
		"entity": []interface{}{map[string]interface{}{
			"what": map[string]interface{}{"reference": fhir.FormatReference(res.Type(), res.ID())},
		}},
	}
	if rc != nil && rc.Author != "" {
		event["agent"] = []interface{}{map[string]interface{}{
			"who":       map[string]interface{}{"reference": rc.Author},
			"requestor": true,
		}}
	}
	// The sink must not inherit the caller's transaction: the write would run
	// on the same connection from another goroutine and roll back with it.
	go r.audit.Record(context.WithoutCancel(db.Detach(ctx)), event)
}

// upsertSQL renders the main-table UPSERT for the given column list.
func upsertSQL(resourceType string, cols []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (", quoteIdent(resourceType))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(`) ON CONFLICT ("id") DO UPDATE SET `)
	first := true
	for _, c := range cols {
		if c == "id" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c))
	}
	return b.String()
}

func sortedColumns(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}

// classifyDBError maps retryable database failures (serialization, deadlock,
// unique violations) onto the Conflict kind; domain errors pass unchanged.
func classifyDBError(err error) error {
	var de *fhir.Error
	if errors.As(err, &de) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fhir.RetryableConflict("transient database conflict", err)
		}
	}
	return err
}
