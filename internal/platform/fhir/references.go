package fhir

// WalkReferences collects every Reference.reference string found anywhere in
// the resource tree, in document order.
func WalkReferences(resource Resource) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(map[string]interface{}(resource))
	return refs
}

// RewriteStrings replaces every string value in the resource tree that
// appears as a key in mapping with the mapped value. Used by the bundle
// processor to resolve urn:uuid references, including nested ones, before a
// write.
func RewriteStrings(resource Resource, mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				val[k] = walk(child)
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		case string:
			if mapped, ok := mapping[val]; ok {
				return mapped
			}
			return val
		default:
			return val
		}
	}
	walk(map[string]interface{}(resource))
}
