// Copyright 2026 Memoryfab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package postgres

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/memoryfab/htm/pkg/types"
)

// predicate is a SQL fragment with its bound values. Fragments only ever
// compose pre-built, parameter-placeholdered SQL; user strings flow
// exclusively through args.
type predicate struct {
	sql  string
	args []interface{}
}

// timeframePredicate constrains column to one or more closed intervals.
// A zero timeframe emits no predicate. argOffset is the number of bind
// parameters already consumed by the enclosing query.
func timeframePredicate(column string, frames []types.Timeframe, argOffset int) predicate {
	var clauses []string
	var args []interface{}
	n := argOffset

	for _, tf := range frames {
		if tf.IsZero() {
			continue
		}
		switch {
		case !tf.Start.IsZero() && !tf.End.IsZero():
			clauses = append(clauses, fmt.Sprintf("(%s >= $%d AND %s <= $%d)", column, n+1, column, n+2))
			args = append(args, tf.Start, tf.End)
			n += 2
		case !tf.Start.IsZero():
			clauses = append(clauses, fmt.Sprintf("%s >= $%d", column, n+1))
			args = append(args, tf.Start)
			n++
		default:
			clauses = append(clauses, fmt.Sprintf("%s <= $%d", column, n+1))
			args = append(args, tf.End)
			n++
		}
	}

	if len(clauses) == 0 {
		return predicate{}
	}
	return predicate{sql: "(" + strings.Join(clauses, " OR ") + ")", args: args}
}

// metadataPredicate emits a JSONB containment test (column @> value).
// An empty map emits no predicate.
func metadataPredicate(column string, metadata map[string]interface{}, argOffset int) (predicate, error) {
	if len(metadata) == 0 {
		return predicate{}, nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return predicate{}, fmt.Errorf("failed to marshal metadata filter: %w", err)
	}
	return predicate{
		sql:  fmt.Sprintf("%s @> $%d", column, argOffset+1),
		args: []interface{}{payload},
	}, nil
}

// sanitizeLike escapes LIKE wildcards in a user-supplied pattern.
func sanitizeLike(pattern string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(pattern)
}

// sanitizeEmbedding validates a vector and right-pads it with zeros to
// maxDims, the store's indexed dimension. Non-finite values are rejected;
// a vector longer than maxDims is rejected rather than truncated.
func sanitizeEmbedding(vec []float32, maxDims int) ([]float32, error) {
	if len(vec) == 0 {
		return nil, types.NewInvalidInput("embedding must not be empty")
	}
	if len(vec) > maxDims {
		return nil, types.NewInvalidInput("embedding has %d dimensions, index maximum is %d", len(vec), maxDims)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, types.NewInvalidInput("embedding contains non-finite value at index %d", i)
		}
	}
	if len(vec) == maxDims {
		return vec, nil
	}
	padded := make([]float32, maxDims)
	copy(padded, vec)
	return padded, nil
}
