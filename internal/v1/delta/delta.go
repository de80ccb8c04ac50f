// Package delta implements the diff/apply/merge contract state broadcasts
// rely on to send changes instead of full state. RFC 7396 JSON Merge
// Patch is exactly the documented contract: changed keys take their new
// value, deleted keys are carried as explicit nulls.
package delta

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Patch is a merge-patch document: changed keys map to their new value,
// deleted keys map to JSON null.
type Patch map[string]any

// Diff produces the minimal patch turning prev into next.
func Diff(prev, next map[string]any) (Patch, error) {
	prevBytes, err := json.Marshal(prev)
	if err != nil {
		return nil, err
	}
	nextBytes, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}

	patchBytes, err := jsonpatch.CreateMergePatch(prevBytes, nextBytes)
	if err != nil {
		return nil, err
	}

	var patch Patch
	if err := json.Unmarshal(patchBytes, &patch); err != nil {
		return nil, err
	}
	return patch, nil
}

// Apply applies patch to base and returns the resulting state. base is
// left unmodified.
func Apply(base map[string]any, patch Patch) (map[string]any, error) {
	baseBytes, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}

	resultBytes, err := jsonpatch.MergePatch(baseBytes, patchBytes)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(resultBytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Merge composes two merge patches into one: applying Merge(a, b) to a
// base is equivalent to applying a then b.
func Merge(a, b Patch) (Patch, error) {
	aBytes, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	bBytes, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}

	mergedBytes, err := jsonpatch.MergePatch(aBytes, bBytes)
	if err != nil {
		return nil, err
	}

	var merged Patch
	if err := json.Unmarshal(mergedBytes, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// DeletedKeys returns the keys patch deletes, i.e. those set to null.
func (p Patch) DeletedKeys() []string {
	var deleted []string
	for k, v := range p {
		if v == nil {
			deleted = append(deleted, k)
		}
	}
	return deleted
}

// Equal reports whether two state values are deeply equal, treating
// ordered sequences as changed unless proven value-equal.
func Equal(a, b map[string]any) bool {
	return cmp.Equal(a, b)
}
