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
package htm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfab/htm/pkg/types"
)

func TestLoopback_FanOutContainsPanics(t *testing.T) {
	loop := NewLoopback("fleet-7")
	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	var got []types.ChannelEvent
	loop.OnChange(func(n types.Notification) {
		panic("subscriber bug")
	})
	loop.OnChange(func(n types.Notification) {
		got = append(got, n.Event)
	})

	id := types.NodeID(7)
	require.NoError(t, loop.Notify(context.Background(), types.EventAdded, &id, 1))
	require.NoError(t, loop.Notify(context.Background(), types.EventCleared, nil, 1))

	// The panicking subscriber never blocks delivery to the others.
	assert.Equal(t, []types.ChannelEvent{types.EventAdded, types.EventCleared}, got)
	assert.Equal(t, "fleet-7", loop.Name())
}
