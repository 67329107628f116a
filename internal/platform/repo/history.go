package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openfhir/fhirstore/internal/platform/db"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// HistoryEntry is one version row. A tombstone entry has a nil Resource.
type HistoryEntry struct {
	VersionID   string
	ID          string
	Resource    fhir.Resource
	LastUpdated time.Time
}

// Deleted reports whether the entry is a tombstone version.
func (e HistoryEntry) Deleted() bool { return e.Resource == nil }

// HistoryOptions page through history reads. Cursor is the lastUpdated of
// the previous page's last entry, RFC3339Nano encoded.
type HistoryOptions struct {
	Since  time.Time
	Count  int
	Cursor string
}

// DefaultHistoryCount is the page size applied when _count is absent.
const DefaultHistoryCount = 100

// ReadVersion reads one version from the history table. Empty content marks
// the deletion version and reads as Gone.
func (r *Repository) ReadVersion(ctx context.Context, resourceType, id, versionID string) (fhir.Resource, error) {
	if err := r.checkTypeName(resourceType); err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(
		`SELECT "content" FROM %s WHERE "id" = $1 AND "versionId" = $2`,
		quoteIdent(resourceType+"_History"))
	var content string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, sql, id, versionID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.NotFound(resourceType, id+"/_history/"+versionID)
	}
	if err != nil {
		return nil, fhir.Internal("read version", err)
	}
	if content == "" {
		return nil, fhir.Gone(resourceType, id)
	}
	res, err := fhir.ParseResource([]byte(content))
	if err != nil {
		return nil, fhir.Internal("corrupt history content", err)
	}
	return res, nil
}

// ReadHistory returns the newest-first version list for one resource.
func (r *Repository) ReadHistory(ctx context.Context, resourceType, id string, opts HistoryOptions) ([]HistoryEntry, error) {
	if err := r.checkTypeName(resourceType); err != nil {
		return nil, err
	}
	return r.historyQuery(ctx, resourceType, `"id" = $1`, []interface{}{id}, opts)
}

// ReadTypeHistory returns the newest-first version list across a resource
// type.
func (r *Repository) ReadTypeHistory(ctx context.Context, resourceType string, opts HistoryOptions) ([]HistoryEntry, error) {
	if err := r.checkTypeName(resourceType); err != nil {
		return nil, err
	}
	return r.historyQuery(ctx, resourceType, "", nil, opts)
}

func (r *Repository) historyQuery(ctx context.Context, resourceType, where string, args []interface{}, opts HistoryOptions) ([]HistoryEntry, error) {
	var clauses []string
	if where != "" {
		clauses = append(clauses, where)
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		clauses = append(clauses, fmt.Sprintf(`"lastUpdated" >= $%d`, len(args)))
	}
	if opts.Cursor != "" {
		ts, err := time.Parse(time.RFC3339Nano, opts.Cursor)
		if err != nil {
			return nil, fhir.BadRequest("invalid history cursor")
		}
		args = append(args, ts)
		clauses = append(clauses, fmt.Sprintf(`"lastUpdated" < $%d`, len(args)))
	}
	count := opts.Count
	if count <= 0 {
		count = DefaultHistoryCount
	}
	args = append(args, count)

	sql := fmt.Sprintf(`SELECT "versionId", "id", "content", "lastUpdated" FROM %s`, quoteIdent(resourceType+"_History"))
	for i, clause := range clauses {
		if i == 0 {
			sql += " WHERE " + clause
		} else {
			sql += " AND " + clause
		}
	}
	sql += fmt.Sprintf(` ORDER BY "lastUpdated" DESC LIMIT $%d`, len(args))

	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fhir.Internal("read history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			entry   HistoryEntry
			content string
		)
		if err := rows.Scan(&entry.VersionID, &entry.ID, &content, &entry.LastUpdated); err != nil {
			return nil, fhir.Internal("scan history row", err)
		}
		if content != "" {
			res, err := fhir.ParseResource([]byte(content))
			if err != nil {
				return nil, fhir.Internal("corrupt history content", err)
			}
			entry.Resource = res
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fhir.Internal("read history rows", err)
	}
	return out, nil
}

// BuildHistoryBundle assembles a history-type bundle from a newest-first
// entry list. The oldest non-deleted entry carries a POST request, later
// versions PUT, and tombstones DELETE. A non-empty nextCursor adds the next
// link; it also means the list is truncated, so the initial version is on a
// later page and every entry here reads as PUT.
func BuildHistoryBundle(baseURL, resourceType string, entries []HistoryEntry, selfURL, nextCursor string) (*fhir.Bundle, error) {
	bundle := fhir.NewBundle("history")
	total := len(entries)
	bundle.Total = &total
	if selfURL != "" {
		bundle.Link = append(bundle.Link, fhir.BundleLink{Relation: "self", URL: selfURL})
		if nextCursor != "" {
			sep := "?"
			if containsQuery(selfURL) {
				sep = "&"
			}
			bundle.Link = append(bundle.Link, fhir.BundleLink{
				Relation: "next",
				URL:      selfURL + sep + "_cursor=" + nextCursor,
			})
		}
	}

	for i, e := range entries {
		entry := fhir.BundleEntry{}
		if baseURL != "" {
			entry.FullURL = baseURL + "/" + resourceType + "/" + e.ID
		}

		lm := e.LastUpdated
		if e.Deleted() {
			entry.Request = &fhir.BundleRequest{Method: "DELETE", URL: resourceType + "/" + e.ID}
			entry.Response = &fhir.BundleResponse{
				Status:       "204 No Content",
				ETag:         fhir.WeakETag(e.VersionID),
				LastModified: &lm,
			}
		} else {
			method := "PUT"
			if nextCursor == "" && i == len(entries)-1 {
				method = "POST"
			}
			reqURL := resourceType + "/" + e.ID
			if method == "POST" {
				reqURL = resourceType
			}
			raw, err := e.Resource.Marshal()
			if err != nil {
				return nil, err
			}
			entry.Resource = raw
			entry.Request = &fhir.BundleRequest{Method: method, URL: reqURL}
			entry.Response = &fhir.BundleResponse{
				Status:       "200 OK",
				ETag:         fhir.WeakETag(e.VersionID),
				LastModified: &lm,
			}
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return bundle, nil
}

func containsQuery(u string) bool {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return true
		}
	}
	return false
}
