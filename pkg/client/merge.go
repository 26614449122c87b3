// Package client implements the client-side reconciliation engine: an
// optimistic overlay of unconfirmed edits on top of the last known server
// state, with rebase on version conflict, FIFO resubmission, bounded retry,
// and explicit surfacing of conflicts the merge cannot resolve.
package client

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// ErrMergeConflict is returned when a rebase cannot be resolved
// automatically and must be surfaced to the user.
var ErrMergeConflict = errors.New("change conflicts with a newer edit")

// MergeChangeSet rebases a change set from its original base payload onto
// the server's current payload, field by field.
//
// The caller has already adopted the server state as its new baseline, so
// re-asserting the client's value for a field both sides changed is an
// explicit rebase, not a silent overwrite: the resubmission goes back
// through the versioned store under the new token. What the merge cannot
// resolve, and surfaces instead, is a structural disagreement: the server
// deleted a field the change edits, or replaced it with a value of a
// different shape than the one being written.
func MergeChangeSet(base, server models.Payload, changes map[string]interface{}) (map[string]interface{}, error) {
	var conflicts []string
	rebased := make(map[string]interface{}, len(changes))

	for field, ours := range changes {
		serverVal, serverHas := server[field]
		baseVal, baseHas := base[field]

		serverUntouched := serverHas == baseHas && reflect.DeepEqual(serverVal, baseVal)
		alreadyOurs := serverHas && reflect.DeepEqual(serverVal, ours)

		switch {
		case serverUntouched || alreadyOurs:
			rebased[field] = ours
		case !serverHas && baseHas:
			// Deleted server-side while being edited here
			conflicts = append(conflicts, field)
		case serverHas && sameShape(serverVal, ours):
			rebased[field] = ours
		default:
			conflicts = append(conflicts, field)
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, fmt.Errorf("%w: fields [%s]", ErrMergeConflict, strings.Join(conflicts, ", "))
	}
	return rebased, nil
}

// sameShape reports whether two values are structurally compatible: both
// objects, or both non-object scalars. Writing a scalar over an object the
// server just introduced (or the reverse) would destroy structure another
// writer created, so it is treated as a real conflict.
func sameShape(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	_, aIsMap := a.(map[string]interface{})
	_, bIsMap := b.(map[string]interface{})
	if aIsMap != bIsMap {
		return false
	}
	if aIsMap {
		return true
	}
	return reflect.TypeOf(a).Kind() == reflect.TypeOf(b).Kind() ||
		bothNumeric(a, b)
}

func bothNumeric(a, b interface{}) bool {
	return isNumeric(a) && isNumeric(b)
}

func isNumeric(v interface{}) bool {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
