package bunkv

import (
	"fmt"
	"reflect"

	"github.com/xeipuuv/gojsonpointer"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

// mergePatch applies an RFC 7386 merge-patch: for each key in a patch
// object, null deletes the target key and anything else recursively
// merges (or replaces, if the patch value is not itself an object). A
// non-object patch replaces the target wholesale. Always idempotent,
// unlike RFC 6902 patch.
func mergePatch(target, patch interface{}) interface{} {
	patchObj, ok := patch.(map[string]interface{})
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]interface{})
	if !ok {
		targetObj = map[string]interface{}{}
	}

	result := make(map[string]interface{}, len(targetObj))
	for k, v := range targetObj {
		result[k] = v
	}
	for k, v := range patchObj {
		if v == nil {
			delete(result, k)
			continue
		}
		result[k] = mergePatch(result[k], v)
	}
	return result
}

// patchOp is one RFC 6902 operation.
type patchOp struct {
	Op    string
	Path  string
	From  string
	Value interface{}
}

// parsePatchOps decodes a patch document's expected shape: an array of
// objects each carrying "op", "path", and (depending on op) "value" or
// "from".
func parsePatchOps(doc *Doc) ([]patchOp, error) {
	if doc.Kind != DocArray {
		return nil, fmt.Errorf("bunkv: patch document must be an array of operations")
	}
	ops := make([]patchOp, len(doc.Array))
	for i, entry := range doc.Array {
		if entry.Kind != DocObject {
			return nil, fmt.Errorf("bunkv: patch operation %d is not an object", i)
		}
		op := patchOp{}
		if v := entry.Get("op"); v != nil {
			op.Op = v.Str
		}
		if v := entry.Get("path"); v != nil {
			op.Path = v.Str
		}
		if v := entry.Get("from"); v != nil {
			op.From = v.Str
		}
		if v := entry.Get("value"); v != nil {
			op.Value = docToNative(v)
		}
		if op.Op == "" || op.Path == "" {
			return nil, fmt.Errorf("bunkv: patch operation %d missing op or path", i)
		}
		ops[i] = op
	}
	return ops, nil
}

// applyPatch applies an RFC 6902 patch sequence to doc, returning the
// patched native value. Per §8 property 9, applying the same patch
// twice is expected to fail the second time whenever it contains a
// "test" op (the tested value has already changed) or a non-idempotent
// op like "add" to an array index that shifts positions.
func applyPatch(doc interface{}, ops []patchOp) (interface{}, error) {
	for _, op := range ops {
		ptr, err := gojsonpointer.NewJsonPointer(op.Path)
		if err != nil {
			return nil, fmt.Errorf("bunkv: invalid patch path %q: %w", op.Path, err)
		}

		switch op.Op {
		case "add", "replace":
			if op.Op == "replace" {
				if _, _, gerr := ptr.Get(doc); gerr != nil {
					return nil, errs.ErrPointerNotFound
				}
			}
			doc, err = ptr.Set(doc, op.Value)
			if err != nil {
				return nil, fmt.Errorf("bunkv: patch %s %q: %w", op.Op, op.Path, err)
			}
		case "remove":
			doc, err = ptr.Delete(doc)
			if err != nil {
				return nil, fmt.Errorf("bunkv: patch remove %q: %w", op.Path, err)
			}
		case "move":
			fromPtr, ferr := gojsonpointer.NewJsonPointer(op.From)
			if ferr != nil {
				return nil, fmt.Errorf("bunkv: invalid patch from %q: %w", op.From, ferr)
			}
			value, _, gerr := fromPtr.Get(doc)
			if gerr != nil {
				return nil, errs.ErrPointerNotFound
			}
			doc, err = fromPtr.Delete(doc)
			if err != nil {
				return nil, fmt.Errorf("bunkv: patch move from %q: %w", op.From, err)
			}
			doc, err = ptr.Set(doc, value)
			if err != nil {
				return nil, fmt.Errorf("bunkv: patch move to %q: %w", op.Path, err)
			}
		case "copy":
			fromPtr, ferr := gojsonpointer.NewJsonPointer(op.From)
			if ferr != nil {
				return nil, fmt.Errorf("bunkv: invalid patch from %q: %w", op.From, ferr)
			}
			value, _, gerr := fromPtr.Get(doc)
			if gerr != nil {
				return nil, errs.ErrPointerNotFound
			}
			doc, err = ptr.Set(doc, value)
			if err != nil {
				return nil, fmt.Errorf("bunkv: patch copy to %q: %w", op.Path, err)
			}
		case "test":
			value, _, gerr := ptr.Get(doc)
			if gerr != nil {
				return nil, errs.ErrPointerNotFound
			}
			if !reflect.DeepEqual(value, op.Value) {
				return nil, fmt.Errorf("bunkv: patch test failed at %q", op.Path)
			}
		default:
			return nil, fmt.Errorf("bunkv: unsupported patch op %q", op.Op)
		}
	}
	return doc, nil
}
