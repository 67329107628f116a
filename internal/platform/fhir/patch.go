package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PatchOperation is a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ParseJSONPatch parses a JSON Patch document.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, BadRequest(fmt.Sprintf("invalid JSON Patch document: %s", err.Error()))
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, BadRequest(fmt.Sprintf("patch operation %d: missing 'op' field", i))
		}
		switch op.Op {
		case "add", "remove", "replace", "move", "copy", "test":
		default:
			return nil, BadRequest(fmt.Sprintf("patch operation %d: unknown op %q", i, op.Op))
		}
		if op.Path == "" {
			return nil, BadRequest(fmt.Sprintf("patch operation %d: missing 'path' field", i))
		}
	}
	return ops, nil
}

// ApplyJSONPatch applies a JSON Patch to a resource, returning a new resource.
// A failing test operation fails the whole patch. The input is not modified.
func ApplyJSONPatch(resource Resource, ops []PatchOperation) (Resource, error) {
	result := resource.DeepCopy()
	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = patchAdd(result, op.Path, op.Value)
		case "remove":
			err = patchRemove(result, op.Path)
		case "replace":
			err = patchReplace(result, op.Path, op.Value)
		case "move":
			err = patchMove(result, op.From, op.Path)
		case "copy":
			err = patchCopy(result, op.From, op.Path)
		case "test":
			err = patchTest(result, op.Path, op.Value)
		default:
			err = fmt.Errorf("unknown patch operation: %s", op.Op)
		}
		if err != nil {
			return nil, BadRequest(fmt.Sprintf("patch operation %d (%s) failed: %s", i, op.Op, err.Error()))
		}
	}
	return result, nil
}

// ParseMergePatch parses a JSON Merge Patch document (RFC 7386).
func ParseMergePatch(data []byte) (map[string]interface{}, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, BadRequest(fmt.Sprintf("invalid JSON Merge Patch document: %s", err.Error()))
	}
	return patch, nil
}

// ApplyMergePatch applies a JSON Merge Patch to a resource, returning a new
// resource. Null patch values delete the target member.
func ApplyMergePatch(resource Resource, patch map[string]interface{}) Resource {
	result := resource.DeepCopy()
	mergePatch(map[string]interface{}(result), patch)
	return result
}

func mergePatch(target, patch map[string]interface{}) {
	for key, pv := range patch {
		if pv == nil {
			delete(target, key)
			continue
		}
		if pm, ok := pv.(map[string]interface{}); ok {
			if tm, ok := target[key].(map[string]interface{}); ok {
				mergePatch(tm, pm)
				continue
			}
		}
		target[key] = pv
	}
}

func patchAdd(doc Resource, path string, value interface{}) error {
	parent, last, err := resolvePatchPath(doc, path)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		p[last] = value
	case []interface{}:
		if last == "-" {
			return patchSetSlice(doc, path, append(p, value))
		}
		idx, err := strconv.Atoi(last)
		if err != nil {
			return fmt.Errorf("invalid array index: %s", last)
		}
		if idx < 0 || idx > len(p) {
			return fmt.Errorf("array index out of bounds: %d", idx)
		}
		next := make([]interface{}, 0, len(p)+1)
		next = append(next, p[:idx]...)
		next = append(next, value)
		next = append(next, p[idx:]...)
		return patchSetSlice(doc, path, next)
	default:
		return fmt.Errorf("cannot add into non-container at %s", path)
	}
	return nil
}

func patchRemove(doc Resource, path string) error {
	parent, last, err := resolvePatchPath(doc, path)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		if _, ok := p[last]; !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		delete(p, last)
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil {
			return fmt.Errorf("invalid array index: %s", last)
		}
		if idx < 0 || idx >= len(p) {
			return fmt.Errorf("array index out of bounds: %d", idx)
		}
		next := make([]interface{}, 0, len(p)-1)
		next = append(next, p[:idx]...)
		next = append(next, p[idx+1:]...)
		return patchSetSlice(doc, path, next)
	default:
		return fmt.Errorf("cannot remove from non-container at %s", path)
	}
	return nil
}

func patchReplace(doc Resource, path string, value interface{}) error {
	parent, last, err := resolvePatchPath(doc, path)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		if _, ok := p[last]; !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		p[last] = value
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil {
			return fmt.Errorf("invalid array index: %s", last)
		}
		if idx < 0 || idx >= len(p) {
			return fmt.Errorf("array index out of bounds: %d", idx)
		}
		p[idx] = value
	default:
		return fmt.Errorf("cannot replace in non-container at %s", path)
	}
	return nil
}

func patchMove(doc Resource, from, path string) error {
	value, err := patchGet(doc, from)
	if err != nil {
		return fmt.Errorf("move from: %w", err)
	}
	if err := patchRemove(doc, from); err != nil {
		return fmt.Errorf("move remove: %w", err)
	}
	return patchAdd(doc, path, value)
}

func patchCopy(doc Resource, from, path string) error {
	value, err := patchGet(doc, from)
	if err != nil {
		return fmt.Errorf("copy from: %w", err)
	}
	return patchAdd(doc, path, value)
}

func patchTest(doc Resource, path string, expected interface{}) error {
	actual, err := patchGet(doc, path)
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	aj, _ := json.Marshal(actual)
	ej, _ := json.Marshal(expected)
	if string(aj) != string(ej) {
		return fmt.Errorf("test failed at %s: expected %s, got %s", path, ej, aj)
	}
	return nil
}

func patchGet(doc Resource, path string) (interface{}, error) {
	parent, last, err := resolvePatchPath(doc, path)
	if err != nil {
		return nil, err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		v, ok := p[last]
		if !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
		return v, nil
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(p) {
			return nil, fmt.Errorf("invalid array index at %s", path)
		}
		return p[idx], nil
	}
	return nil, fmt.Errorf("cannot read non-container at %s", path)
}

// resolvePatchPath walks to the parent container of a JSON Pointer path and
// returns it with the final token.
func resolvePatchPath(doc Resource, path string) (interface{}, string, error) {
	tokens := splitPointer(path)
	if len(tokens) == 0 {
		return nil, "", fmt.Errorf("empty path")
	}
	var current interface{} = map[string]interface{}(doc)
	for _, tok := range tokens[:len(tokens)-1] {
		switch c := current.(type) {
		case map[string]interface{}:
			next, ok := c[tok]
			if !ok {
				return nil, "", fmt.Errorf("path not found at segment: %s", tok)
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, "", fmt.Errorf("invalid array index: %s", tok)
			}
			current = c[idx]
		default:
			return nil, "", fmt.Errorf("cannot traverse into non-container at: %s", tok)
		}
	}
	return current, tokens[len(tokens)-1], nil
}

// patchSetSlice writes back a rebuilt slice at the parent of path. Needed
// because Go slices are replaced, not mutated, on insert and delete.
func patchSetSlice(doc Resource, path string, value []interface{}) error {
	tokens := splitPointer(path)
	if len(tokens) < 2 {
		return fmt.Errorf("cannot replace root with array")
	}
	parentPath := "/" + strings.Join(tokens[:len(tokens)-2], "/")
	var container interface{} = map[string]interface{}(doc)
	if len(tokens) > 2 {
		var err error
		container, _, err = resolvePatchPath(doc, parentPath+"/"+tokens[len(tokens)-2])
		if err != nil {
			return err
		}
	}
	key := tokens[len(tokens)-2]
	switch c := container.(type) {
	case map[string]interface{}:
		c[key] = value
	case []interface{}:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(c) {
			return fmt.Errorf("invalid array index: %s", key)
		}
		c[idx] = value
	default:
		return fmt.Errorf("cannot write slice at %s", path)
	}
	return nil
}

func splitPointer(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}
