package fhir

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Patch content types accepted by the patch interaction.
const (
	ContentTypeJSONPatch  = "application/json-patch+json"
	ContentTypeMergePatch = "application/merge-patch+json"
)

// PatchOperation represents a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ParseJSONPatch parses a JSON Patch document from raw JSON.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid JSON Patch document: %w", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'op' field", i)
		}
		if op.Path == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'path' field", i)
		}
	}
	return ops, nil
}

// ApplyPatch applies a patch document according to its content type. A
// content type other than JSON Patch is treated as a merge patch.
func ApplyPatch(resource map[string]interface{}, contentType string, body []byte) (map[string]interface{}, error) {
	if strings.HasPrefix(contentType, ContentTypeJSONPatch) {
		ops, err := ParseJSONPatch(body)
		if err != nil {
			return nil, err
		}
		return ApplyJSONPatch(resource, ops)
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(body, &patch); err != nil {
		return nil, fmt.Errorf("invalid JSON Merge Patch document: %w", err)
	}
	return ApplyMergePatch(resource, patch), nil
}

// ApplyJSONPatch applies a JSON Patch to a copy of resource.
func ApplyJSONPatch(resource map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	var doc interface{} = deepCopy(resource)
	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			doc, err = pointerSet(doc, splitPointer(op.Path), deepCopy(op.Value), true)
		case "replace":
			doc, err = pointerSet(doc, splitPointer(op.Path), deepCopy(op.Value), false)
		case "remove":
			doc, err = pointerRemove(doc, splitPointer(op.Path))
		case "test":
			var got interface{}
			got, err = pointerGet(doc, splitPointer(op.Path))
			if err == nil && !reflect.DeepEqual(got, op.Value) {
				err = fmt.Errorf("test failed at %s", op.Path)
			}
		case "copy", "move":
			var v interface{}
			v, err = pointerGet(doc, splitPointer(op.From))
			if err == nil && op.Op == "move" {
				doc, err = pointerRemove(doc, splitPointer(op.From))
			}
			if err == nil {
				doc, err = pointerSet(doc, splitPointer(op.Path), deepCopy(v), true)
			}
		default:
			err = fmt.Errorf("unknown patch operation: %s", op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("patch operation %d (%s) failed: %w", i, op.Op, err)
		}
	}
	out, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("patch result is not a JSON object")
	}
	return out, nil
}

// ApplyMergePatch applies a JSON Merge Patch (RFC 7386) to a copy of resource.
func ApplyMergePatch(resource, patch map[string]interface{}) map[string]interface{} {
	result, _ := deepCopy(resource).(map[string]interface{})
	mergeInto(result, patch)
	return result
}

func mergeInto(target, patch map[string]interface{}) {
	for key, pv := range patch {
		if pv == nil {
			delete(target, key)
			continue
		}
		if pm, ok := pv.(map[string]interface{}); ok {
			if tm, ok := target[key].(map[string]interface{}); ok {
				mergeInto(tm, pm)
				continue
			}
			fresh := map[string]interface{}{}
			mergeInto(fresh, pm)
			target[key] = fresh
			continue
		}
		target[key] = deepCopy(pv)
	}
}

func splitPointer(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

func pointerGet(doc interface{}, parts []string) (interface{}, error) {
	cur := doc
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[p]
			if !ok {
				return nil, fmt.Errorf("path segment %q not found", p)
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("invalid array index %q", p)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %q", p)
		}
	}
	return cur, nil
}

// pointerSet sets value at parts and returns the (possibly new) root. With
// insert, array targets are inserted before the index ("-" appends);
// otherwise the existing element must be present and is replaced.
func pointerSet(doc interface{}, parts []string, value interface{}, insert bool) (interface{}, error) {
	if len(parts) == 0 {
		return value, nil
	}
	head, rest := parts[0], parts[1:]
	switch node := doc.(type) {
	case map[string]interface{}:
		if len(rest) == 0 {
			if _, exists := node[head]; !exists && !insert {
				return nil, fmt.Errorf("path segment %q not found", head)
			}
			node[head] = value
			return node, nil
		}
		child, ok := node[head]
		if !ok {
			return nil, fmt.Errorf("path segment %q not found", head)
		}
		updated, err := pointerSet(child, rest, value, insert)
		if err != nil {
			return nil, err
		}
		node[head] = updated
		return node, nil
	case []interface{}:
		if len(rest) == 0 && insert && head == "-" {
			return append(node, value), nil
		}
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx > len(node) || (idx == len(node) && !(insert && len(rest) == 0)) {
			return nil, fmt.Errorf("invalid array index %q", head)
		}
		if len(rest) == 0 {
			if insert {
				node = append(node, nil)
				copy(node[idx+1:], node[idx:])
				node[idx] = value
				return node, nil
			}
			node[idx] = value
			return node, nil
		}
		updated, err := pointerSet(node[idx], rest, value, insert)
		if err != nil {
			return nil, err
		}
		node[idx] = updated
		return node, nil
	}
	return nil, fmt.Errorf("cannot descend into %q", head)
}

func pointerRemove(doc interface{}, parts []string) (interface{}, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("cannot remove the document root")
	}
	head, rest := parts[0], parts[1:]
	switch node := doc.(type) {
	case map[string]interface{}:
		child, ok := node[head]
		if !ok {
			return nil, fmt.Errorf("path segment %q not found", head)
		}
		if len(rest) == 0 {
			delete(node, head)
			return node, nil
		}
		updated, err := pointerRemove(child, rest)
		if err != nil {
			return nil, err
		}
		node[head] = updated
		return node, nil
	case []interface{}:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, fmt.Errorf("invalid array index %q", head)
		}
		if len(rest) == 0 {
			return append(node[:idx], node[idx+1:]...), nil
		}
		updated, err := pointerRemove(node[idx], rest)
		if err != nil {
			return nil, err
		}
		node[idx] = updated
		return node, nil
	}
	return nil, fmt.Errorf("cannot descend into %q", head)
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = deepCopy(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = deepCopy(child)
		}
		return out
	}
	return v
}
