package definitions

import (
	"strings"
)

// RestrictedPath is the ordered property chain extracted from a
// SearchParameter expression for one resource type. The full FHIRPath
// grammar is intentionally not supported: the spec expressions reduce to
// property chains with union, where(), as(), and resolve(), and the type
// narrowings do not change which properties are visited.
type RestrictedPath []string

// ParseExpression extracts the restricted path for resourceType from a
// SearchParameter.expression. Union branches are split on "|" at paren depth
// zero, the branch whose head matches resourceType is selected, and
// where(...), as(...), and resolve() calls are stripped. Returns nil when no
// branch applies.
func ParseExpression(expression, resourceType string) RestrictedPath {
	for _, branch := range splitUnion(expression) {
		path := parseBranch(branch, resourceType)
		if path != nil {
			return path
		}
	}
	return nil
}

func splitUnion(expr string) []string {
	var branches []string
	depth := 0
	start := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '|':
			if depth == 0 {
				branches = append(branches, expr[start:i])
				start = i + 1
			}
		}
	}
	branches = append(branches, expr[start:])
	return branches
}

func parseBranch(branch, resourceType string) RestrictedPath {
	branch = strings.TrimSpace(branch)
	// "(Observation.value as dateTime)" carries the narrowing outside the
	// property chain; unwrap and drop the "as Type" tail.
	if strings.HasPrefix(branch, "(") && strings.HasSuffix(branch, ")") {
		branch = strings.TrimSuffix(strings.TrimPrefix(branch, "("), ")")
		if idx := strings.Index(branch, " as "); idx >= 0 {
			branch = branch[:idx]
		}
		branch = strings.TrimSpace(branch)
	}

	var path RestrictedPath
	for _, seg := range splitSegments(branch) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		// Function segments act as type narrowings: visit nothing.
		if strings.HasPrefix(seg, "where(") || strings.HasPrefix(seg, "as(") || seg == "resolve()" {
			continue
		}
		// Inline narrowing without parens: "value as Quantity".
		if idx := strings.Index(seg, " as "); idx >= 0 {
			seg = strings.TrimSpace(seg[:idx])
		}
		path = append(path, seg)
	}

	if len(path) == 0 || path[0] != resourceType {
		return nil
	}
	return path[1:]
}

// splitSegments splits a property chain on "." at paren depth zero, so that
// "where(resolve() is Patient)" stays a single segment.
func splitSegments(branch string) []string {
	var segs []string
	depth := 0
	start := 0
	for i := 0; i < len(branch); i++ {
		switch branch[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '.':
			if depth == 0 {
				segs = append(segs, branch[start:i])
				start = i + 1
			}
		}
	}
	segs = append(segs, branch[start:])
	return segs
}
