// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/docsync/internal/types"
	"github.com/cockroachdb/docsync/internal/util/hlc"
)

// applyMutation returns the MaybeDocument produced by applying m atop
// base, or base unchanged if m's Precondition is not satisfied. A
// document produced by applying m always carries HasPendingWrites=true;
// applyAcknowledgedBatch clears that flag on the result after calling
// this function for an acknowledged batch.
func applyMutation(base types.MaybeDocument, m types.Mutation) types.MaybeDocument {
	if !preconditionHolds(base, m.Precondition) {
		return base
	}

	switch m.Kind {
	case types.MutationDelete:
		deleted := types.NewNoDocument(m.Key, m.Time)
		deleted.HasPendingWrites = true
		return deleted

	case types.MutationSet:
		return types.NewDocument(m.Key, m.Time, m.Fields, true)

	case types.MutationPatch:
		merged := mergeFields(fieldsOf(base), m.Fields, m.FieldMask)
		return types.NewDocument(m.Key, m.Time, merged, true)

	case types.MutationTransform:
		merged := applyTransforms(fieldsOf(base), m.Transforms)
		return types.NewDocument(m.Key, m.Time, merged, true)

	default:
		return base
	}
}

func fieldsOf(doc types.MaybeDocument) json.RawMessage {
	if doc.IsDocument() && len(doc.Fields) > 0 {
		return doc.Fields
	}
	return json.RawMessage("{}")
}

func preconditionHolds(base types.MaybeDocument, p types.Precondition) bool {
	switch p.Kind {
	case types.PreconditionNone:
		return true
	case types.PreconditionExists:
		return base.IsDocument() == p.Exists
	case types.PreconditionUpdateTimeLE:
		return base.IsDocument() && !base.Version.IsZero() && hlc.Compare(base.Version, p.UpdateTime) <= 0
	default:
		return true
	}
}

// mergeFields applies a Patch's field mask: every path in mask is
// overwritten from patch into base (or deleted, if absent from
// patch); fields outside mask are left untouched.
func mergeFields(base, patch json.RawMessage, mask []string) json.RawMessage {
	baseMap := decodeMap(base)
	patchMap := decodeMap(patch)

	for _, path := range mask {
		if v, ok := lookupPath(patchMap, path); ok {
			setPath(baseMap, path, v)
		} else {
			deletePath(baseMap, path)
		}
	}
	return encodeMap(baseMap)
}

func applyTransforms(base json.RawMessage, ops []types.TransformOp) json.RawMessage {
	baseMap := decodeMap(base)
	for _, op := range ops {
		switch op.Op {
		case "increment":
			cur, _ := lookupPath(baseMap, op.FieldPath)
			setPath(baseMap, op.FieldPath, addNumeric(cur, op.Operand))
		case "arrayUnion":
			cur, _ := lookupPath(baseMap, op.FieldPath)
			setPath(baseMap, op.FieldPath, arrayUnion(cur, op.Operand))
		case "arrayRemove":
			cur, _ := lookupPath(baseMap, op.FieldPath)
			setPath(baseMap, op.FieldPath, arrayRemove(cur, op.Operand))
		case "serverTimestamp":
			// The server assigns the actual value at commit time; the
			// local view only needs a placeholder so reads don't see a
			// stale prior value while the mutation is pending.
			setPath(baseMap, op.FieldPath, "__pending_server_timestamp__")
		}
	}
	return encodeMap(baseMap)
}

func addNumeric(cur interface{}, operand json.RawMessage) float64 {
	var delta float64
	_ = json.Unmarshal(operand, &delta)
	if f, ok := cur.(float64); ok {
		return f + delta
	}
	return delta
}

func arrayUnion(cur interface{}, operand json.RawMessage) []interface{} {
	var toAdd []interface{}
	_ = json.Unmarshal(operand, &toAdd)
	existing, _ := cur.([]interface{})
	seen := make(map[string]bool, len(existing))
	out := append([]interface{}{}, existing...)
	for _, v := range existing {
		seen[stableKey(v)] = true
	}
	for _, v := range toAdd {
		if k := stableKey(v); !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func arrayRemove(cur interface{}, operand json.RawMessage) []interface{} {
	var toRemove []interface{}
	_ = json.Unmarshal(operand, &toRemove)
	remove := make(map[string]bool, len(toRemove))
	for _, v := range toRemove {
		remove[stableKey(v)] = true
	}
	existing, _ := cur.([]interface{})
	out := make([]interface{}, 0, len(existing))
	for _, v := range existing {
		if !remove[stableKey(v)] {
			out = append(out, v)
		}
	}
	return out
}

func stableKey(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeMap(raw json.RawMessage) map[string]interface{} {
	out := make(map[string]interface{})
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func encodeMap(m map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = m
	for _, seg := range segments {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = asMap[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	cur := m
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
}

func deletePath(m map[string]interface{}, path string) {
	segments := strings.Split(path, ".")
	cur := m
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(cur, seg)
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}

// synthesizeBaseMutation builds the pre-image Patch mutation captured
// alongside a transform-bearing mutation, so a later replay of the
// server's echo of that transform does not double-apply it: a field
// mask covering every transform target, with an exists=true
// precondition, whose Fields carry doc's current value at those paths.
// It returns ok=false if m has no transforms or doc is absent.
func synthesizeBaseMutation(doc types.MaybeDocument, m types.Mutation) (types.Mutation, bool) {
	targets := m.TransformTargets()
	if len(targets) == 0 || !doc.IsDocument() {
		return types.Mutation{}, false
	}
	baseMap := decodeMap(doc.Fields)
	capture := make(map[string]interface{}, len(targets))
	for _, path := range targets {
		if v, ok := lookupPath(baseMap, path); ok {
			setNested(capture, path, v)
		}
	}
	return types.Mutation{
		Kind:         types.MutationPatch,
		Key:          m.Key,
		Precondition: types.Precondition{Kind: types.PreconditionExists, Exists: true},
		Fields:       encodeMap(capture),
		FieldMask:    append([]string(nil), targets...),
		Time:         m.Time,
	}, true
}

func setNested(m map[string]interface{}, path string, value interface{}) { setPath(m, path, value) }
