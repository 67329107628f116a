package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// Query is a compiled SQL statement with its positional arguments.
type Query struct {
	SQL  string
	Args []interface{}
}

// CompileOptions tune the emitted statement for its caller.
type CompileOptions struct {
	// CountOnly replaces the select list with COUNT(*), dropping sort and
	// pagination.
	CountOnly bool
	// ForUpdate appends FOR UPDATE for conditional operations running inside
	// a transaction.
	ForUpdate bool
	// Limit overrides the request's _count when > 0.
	Limit int
}

// Compiler translates parsed search requests into SQL against the
// synthesized schema.
type Compiler struct {
	params *definitions.SearchParameterRegistry
}

// NewCompiler creates a Compiler resolving codes through the given registry.
func NewCompiler(params *definitions.SearchParameterRegistry) *Compiler {
	return &Compiler{params: params}
}

// builder accumulates positional arguments, alias generation, and WHERE
// fragments for one statement.
type builder struct {
	args    []interface{}
	aliasN  int
	clauses []string
}

// arg appends a positional argument and returns its placeholder.
func (b *builder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// alias returns a fresh subquery alias.
func (b *builder) alias() string {
	b.aliasN++
	return fmt.Sprintf("c%d", b.aliasN)
}

func (b *builder) add(clause string) {
	if clause != "" {
		b.clauses = append(b.clauses, clause)
	}
}

// Compile produces the primary search statement. Unknown parameter codes are
// ignored; malformed values fail with BadRequest.
func (c *Compiler) Compile(req *Request, opts CompileOptions) (*Query, error) {
	qual := quote(req.ResourceType)
	b := &builder{}

	if !req.IncludeDeleted {
		b.add(fmt.Sprintf(`%s."deleted" = false`, qual))
	}

	// Repeated parameter codes combine with OR; distinct codes with AND.
	grouped := groupParams(req.Params)
	for _, group := range grouped {
		var alternatives []string
		for _, p := range group {
			clause, err := c.paramClause(b, req.ResourceType, qual, p)
			if err != nil {
				return nil, err
			}
			if clause != "" {
				alternatives = append(alternatives, clause)
			}
		}
		switch len(alternatives) {
		case 0:
		case 1:
			b.add(alternatives[0])
		default:
			b.add("(" + strings.Join(alternatives, " OR ") + ")")
		}
	}

	for _, has := range req.Has {
		clause, err := c.hasClause(b, req.ResourceType, qual, has)
		if err != nil {
			return nil, err
		}
		b.add(clause)
	}

	if req.Cursor != "" {
		clause, err := c.cursorClause(b, qual, req.Cursor)
		if err != nil {
			return nil, err
		}
		b.add(clause)
	}

	var sb strings.Builder
	if opts.CountOnly {
		fmt.Fprintf(&sb, `SELECT COUNT(*) FROM %s`, qual)
	} else {
		fmt.Fprintf(&sb, `SELECT %s."id", %s."content", %s."lastUpdated" FROM %s`, qual, qual, qual, qual)
	}
	if len(b.clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.clauses, " AND "))
	}

	if !opts.CountOnly {
		orderBy, err := c.orderBy(req, qual)
		if err != nil {
			return nil, err
		}
		sb.WriteString(orderBy)

		limit := req.Count
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if limit > 0 {
			// One extra row signals the presence of a next page.
			fmt.Fprintf(&sb, " LIMIT %s", b.arg(limit+1))
		}
		if req.Offset > 0 && req.Cursor == "" {
			fmt.Fprintf(&sb, " OFFSET %s", b.arg(req.Offset))
		}
	}

	if opts.ForUpdate {
		sb.WriteString(" FOR UPDATE")
	}

	return &Query{SQL: sb.String(), Args: b.args}, nil
}

// groupParams buckets parameters by code, preserving first-seen order.
func groupParams(params []Param) [][]Param {
	var order []string
	byCode := make(map[string][]Param)
	for _, p := range params {
		key := p.Code + "." + p.Chain
		if _, ok := byCode[key]; !ok {
			order = append(order, key)
		}
		byCode[key] = append(byCode[key], p)
	}
	out := make([][]Param, 0, len(order))
	for _, key := range order {
		out = append(out, byCode[key])
	}
	return out
}

// orderBy renders the ORDER BY clause: resolved sort columns or the
// lastUpdated DESC default, with "id" as the stable tiebreaker.
func (c *Compiler) orderBy(req *Request, qual string) (string, error) {
	if len(req.Sort) == 0 {
		return fmt.Sprintf(` ORDER BY %s."lastUpdated" DESC, %s."id"`, qual, qual), nil
	}
	var fields []string
	for _, sf := range req.Sort {
		col, err := c.sortColumn(req.ResourceType, sf.Code)
		if err != nil {
			return "", err
		}
		dir := ""
		if sf.Descending {
			dir = " DESC"
		}
		fields = append(fields, fmt.Sprintf(`%s.%s%s`, qual, quote(col), dir))
	}
	fields = append(fields, fmt.Sprintf(`%s."id"`, qual))
	return " ORDER BY " + strings.Join(fields, ", "), nil
}

func (c *Compiler) sortColumn(resourceType, code string) (string, error) {
	switch code {
	case "_id":
		return "id", nil
	case "_lastUpdated":
		return "lastUpdated", nil
	}
	impl := c.params.Lookup(resourceType, code)
	if impl == nil {
		return "", fhir.BadRequest(fmt.Sprintf("cannot sort by unknown parameter %q", code))
	}
	return impl.SortColumnName(), nil
}

// cursorClause decodes the "<lastUpdatedUnixNano>:<id>" cursor used for
// deterministic default-sort pagination. The predicate mirrors the default
// ORDER BY exactly: lastUpdated descends, and rows tied on lastUpdated
// continue in ascending id order after the cursor row.
func (c *Compiler) cursorClause(b *builder, qual, cursor string) (string, error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return "", fhir.BadRequest("invalid _cursor value")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return "", fhir.BadRequest("invalid _cursor value")
	}
	ts := time.Unix(0, nanos).UTC()
	return fmt.Sprintf(`(%s."lastUpdated" < %s OR (%s."lastUpdated" = %s AND %s."id" > %s))`,
		qual, b.arg(ts), qual, b.arg(ts), qual, b.arg(parts[1])), nil
}

// EncodeCursor renders the pagination cursor for the last row of a page.
func EncodeCursor(lastUpdated time.Time, id string) string {
	return strconv.FormatInt(lastUpdated.UnixNano(), 10) + ":" + id
}

func quote(ident string) string {
	return `"` + ident + `"`
}
