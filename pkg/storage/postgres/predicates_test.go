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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfab/htm/pkg/types"
)

func TestTimeframePredicate(t *testing.T) {
	start := time.Date(2026, 8, 13, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	t.Run("zero timeframe emits nothing", func(t *testing.T) {
		p := timeframePredicate("n.created_at", []types.Timeframe{{}}, 0)
		assert.Empty(t, p.sql)
		assert.Empty(t, p.args)
	})

	t.Run("closed interval", func(t *testing.T) {
		p := timeframePredicate("n.created_at", []types.Timeframe{{Start: start, End: end}}, 2)
		assert.Equal(t, "((n.created_at >= $3 AND n.created_at <= $4))", p.sql)
		assert.Equal(t, []interface{}{start, end}, p.args)
	})

	t.Run("open end", func(t *testing.T) {
		p := timeframePredicate("n.created_at", []types.Timeframe{{Start: start}}, 0)
		assert.Equal(t, "(n.created_at >= $1)", p.sql)
	})

	t.Run("multiple intervals OR together", func(t *testing.T) {
		p := timeframePredicate("n.created_at", []types.Timeframe{
			{Start: start, End: end},
			{End: start},
		}, 0)
		assert.Equal(t, "((n.created_at >= $1 AND n.created_at <= $2) OR n.created_at <= $3)", p.sql)
		assert.Len(t, p.args, 3)
	})
}

func TestMetadataPredicate(t *testing.T) {
	p, err := metadataPredicate("n.metadata", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, p.sql)

	p, err = metadataPredicate("n.metadata", map[string]interface{}{"env": "prod"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "n.metadata @> $2", p.sql)
	require.Len(t, p.args, 1)
	assert.JSONEq(t, `{"env":"prod"}`, string(p.args[0].([]byte)))
}

func TestSanitizeLike(t *testing.T) {
	assert.Equal(t, `100\% sure\_thing`, sanitizeLike("100% sure_thing"))
	assert.Equal(t, `no wildcards`, sanitizeLike("no wildcards"))
}

func TestSanitizeEmbedding(t *testing.T) {
	t.Run("pads to the index dimension", func(t *testing.T) {
		out, err := sanitizeEmbedding([]float32{1, 2}, 4)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 0, 0}, out)
	})

	t.Run("exact length passes through", func(t *testing.T) {
		in := []float32{1, 2, 3}
		out, err := sanitizeEmbedding(in, 3)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("rejects non-finite values", func(t *testing.T) {
		_, err := sanitizeEmbedding([]float32{1, float32(math.NaN())}, 4)
		assert.True(t, types.IsInvalidInput(err))

		_, err = sanitizeEmbedding([]float32{float32(math.Inf(1))}, 4)
		assert.True(t, types.IsInvalidInput(err))
	})

	t.Run("rejects oversize and empty vectors", func(t *testing.T) {
		_, err := sanitizeEmbedding([]float32{1, 2, 3}, 2)
		assert.True(t, types.IsInvalidInput(err))

		_, err = sanitizeEmbedding(nil, 2)
		assert.True(t, types.IsInvalidInput(err))
	})
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "htm_wm_fleet_7", ChannelName("fleet-7"))
	assert.Equal(t, "htm_wm_warehouse_east", ChannelName("warehouse east"))
	assert.Equal(t, "htm_wm_alpha", ChannelName("ALPHA!!"))
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "migrations must be contiguous from 1")
		assert.NotEmpty(t, m.UpSQL)
		assert.NotEmpty(t, m.DownSQL, "migration %d lacks a down file", m.Version)
		assert.NotEmpty(t, m.Description)
	}
}
