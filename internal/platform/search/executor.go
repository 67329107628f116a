package search

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfhir/fhirstore/internal/platform/db"
	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// Result is one row of a search: the parsed resource plus the columns the
// paginator needs.
type Result struct {
	ID           string
	ResourceType string
	Resource     fhir.Resource
	LastUpdated  time.Time
}

// Results is the outcome of one executed search.
type Results struct {
	Matches  []Result
	Includes []Result
	Total    *int
	HasNext  bool
}

// Executor runs compiled searches against the pool (or the transaction
// carried in the context) and resolves _include and _revinclude sets.
type Executor struct {
	pool     *pgxpool.Pool
	params   *definitions.SearchParameterRegistry
	compiler *Compiler
}

// NewExecutor creates an Executor over the pool and registry.
func NewExecutor(pool *pgxpool.Pool, params *definitions.SearchParameterRegistry) *Executor {
	return &Executor{pool: pool, params: params, compiler: NewCompiler(params)}
}

// Compiler exposes the executor's compiler for callers that build their own
// statements (conditional operations).
func (e *Executor) Compiler() *Compiler {
	return e.compiler
}

// Search runs the primary query, the accurate total when requested, and the
// include queries, in that order.
func (e *Executor) Search(ctx context.Context, req *Request) (*Results, error) {
	out := &Results{}

	if req.Total == "accurate" {
		total, err := e.count(ctx, req)
		if err != nil {
			return nil, err
		}
		out.Total = &total
	}
	if req.SummaryCount {
		return out, nil
	}

	matches, hasNext, err := e.Execute(ctx, req, CompileOptions{})
	if err != nil {
		return nil, err
	}
	out.Matches = matches
	out.HasNext = hasNext

	if len(matches) > 0 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		for _, inc := range req.Includes {
			rows, err := e.include(ctx, inc, ids)
			if err != nil {
				return nil, err
			}
			out.Includes = append(out.Includes, rows...)
		}
		for _, inc := range req.RevIncludes {
			rows, err := e.revinclude(ctx, inc, ids)
			if err != nil {
				return nil, err
			}
			out.Includes = append(out.Includes, rows...)
		}
	}
	return out, nil
}

// Execute compiles and runs the primary statement, trimming the probe row
// used for next-page detection.
func (e *Executor) Execute(ctx context.Context, req *Request, opts CompileOptions) ([]Result, bool, error) {
	q, err := e.compiler.Compile(req, opts)
	if err != nil {
		return nil, false, err
	}
	rows, err := db.Conn(ctx, e.pool).Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, false, fhir.Internal("execute search", err)
	}
	results, err := scanResults(rows, req.ResourceType)
	if err != nil {
		return nil, false, err
	}
	limit := req.Count
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	hasNext := false
	if limit > 0 && len(results) > limit {
		hasNext = true
		results = results[:limit]
	}
	return results, hasNext, nil
}

func (e *Executor) count(ctx context.Context, req *Request) (int, error) {
	q, err := e.compiler.Compile(req, CompileOptions{CountOnly: true})
	if err != nil {
		return 0, err
	}
	var total int
	if err := db.Conn(ctx, e.pool).QueryRow(ctx, q.SQL, q.Args...).Scan(&total); err != nil {
		return 0, fhir.Internal("count search results", err)
	}
	return total, nil
}

// include resolves _include=Source:param[:target]: target resources reachable
// from the primary set through the source type's references table.
func (e *Executor) include(ctx context.Context, inc Include, primaryIDs []string) ([]Result, error) {
	impl := e.params.Lookup(inc.Source, inc.Param)
	if impl == nil || impl.Type != "reference" {
		return nil, fhir.BadRequest(fmt.Sprintf("unknown include parameter %s:%s", inc.Source, inc.Param))
	}
	targets := impl.TargetTypes
	if inc.Target != "" {
		targets = []string{inc.Target}
	}
	var out []Result
	for _, target := range targets {
		sql := fmt.Sprintf(
			`SELECT DISTINCT t."id", t."content", t."lastUpdated" FROM %s t`+
				` JOIN %s r ON r."targetId" = t."id" AND r."code" = $1`+
				` WHERE r."resourceId" = ANY($2) AND t."deleted" = false`,
			quote(target), quote(inc.Source+"_References"))
		rows, err := db.Conn(ctx, e.pool).Query(ctx, sql, inc.Param, primaryIDs)
		if err != nil {
			return nil, fhir.Internal("execute include", err)
		}
		results, err := scanResults(rows, target)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

// revinclude resolves _revinclude=Source:param[:targetType]: source resources
// whose named reference points into the primary set.
func (e *Executor) revinclude(ctx context.Context, inc Include, primaryIDs []string) ([]Result, error) {
	impl := e.params.Lookup(inc.Source, inc.Param)
	if impl == nil || impl.Type != "reference" {
		return nil, fhir.BadRequest(fmt.Sprintf("unknown revinclude parameter %s:%s", inc.Source, inc.Param))
	}
	sql := fmt.Sprintf(
		`SELECT DISTINCT s."id", s."content", s."lastUpdated" FROM %s s`+
			` JOIN %s r ON r."resourceId" = s."id" AND r."code" = $1`+
			` WHERE r."targetId" = ANY($2) AND s."deleted" = false`,
		quote(inc.Source), quote(inc.Source+"_References"))
	rows, err := db.Conn(ctx, e.pool).Query(ctx, sql, inc.Param, primaryIDs)
	if err != nil {
		return nil, fhir.Internal("execute revinclude", err)
	}
	return scanResults(rows, inc.Source)
}

func scanResults(rows pgx.Rows, resourceType string) ([]Result, error) {
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var (
			id          string
			content     string
			lastUpdated time.Time
		)
		if err := rows.Scan(&id, &content, &lastUpdated); err != nil {
			return nil, fhir.Internal("scan search row", err)
		}
		res := Result{ID: id, ResourceType: resourceType, LastUpdated: lastUpdated}
		if content != "" {
			parsed, err := fhir.ParseResource([]byte(content))
			if err != nil {
				return nil, fhir.Internal(fmt.Sprintf("corrupt content for %s/%s", resourceType, id), err)
			}
			res.Resource = parsed
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fhir.Internal("read search rows", err)
	}
	return out, nil
}
