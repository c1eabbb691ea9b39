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

func newTestGroup(t *testing.T, env *testEnv, names ...string) (*Group, []*Agent) {
	t.Helper()

	group := NewGroup("fleet-7", env.loop, env.tracer)
	agents := make([]*Agent, 0, len(names))
	for i, name := range names {
		agent := env.newAgent(t, name, 1000)
		if i == 0 {
			require.NoError(t, group.AddActive(agent))
		} else {
			require.NoError(t, group.AddPassive(agent))
		}
		agents = append(agents, agent)
	}
	return group, agents
}

func TestGroup_MembershipRoles(t *testing.T) {
	env := newTestEnv(t, nil)
	group, _ := newTestGroup(t, env, "lead", "standby")

	// Duplicate names are rejected.
	dup := env.newAgent(t, "observer", 1000)
	require.NoError(t, group.AddPassive(dup))
	err := group.AddActive(dup)
	assert.True(t, types.IsInvalidInput(err))

	// Demoting the only active member fails.
	err = group.Demote("lead")
	assert.True(t, types.IsInvalidInput(err))

	// After promoting another, the demote succeeds.
	require.NoError(t, group.Promote("standby"))
	require.NoError(t, group.Demote("lead"))

	status := group.Status()
	roles := map[string]Role{}
	for _, m := range status.Members {
		roles[m.Name] = m.Role
	}
	assert.Equal(t, RolePassive, roles["lead"])
	assert.Equal(t, RoleActive, roles["standby"])
}

func TestGroup_RemoveLastActiveGuard(t *testing.T) {
	env := newTestEnv(t, nil)
	group, _ := newTestGroup(t, env, "lead", "standby")

	err := group.Remove("lead")
	assert.True(t, types.IsInvalidInput(err))

	require.NoError(t, group.Remove("standby"))
	// Sole remaining member may be removed.
	require.NoError(t, group.Remove("lead"))
	assert.ErrorIs(t, group.Remove("lead"), types.ErrNotFound)
}

func TestGroup_Failover(t *testing.T) {
	env := newTestEnv(t, nil)
	group, _ := newTestGroup(t, env, "lead", "standby")

	promoted, err := group.Failover()
	require.NoError(t, err)
	assert.Equal(t, "standby", promoted)

	// With no passive member left, failover fails.
	_, err = group.Failover()
	assert.True(t, types.IsInvalidInput(err))
}

func TestGroup_DelegatesToFirstActive(t *testing.T) {
	env := newTestEnv(t, nil)
	group, agents := newTestGroup(t, env, "lead", "standby")
	ctx := context.Background()

	id, err := group.Remember(ctx, "shared observation about the corridor", nil, nil)
	require.NoError(t, err)
	assert.True(t, agents[0].WorkingMemory().Has(id))

	results, err := group.Recall(ctx, "shared observation about the corridor", RecallOptions{Strategy: RecallFulltext})
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	empty := NewGroup("empty", nil, nil)
	_, err = empty.Remember(ctx, "nobody home", nil, nil)
	assert.True(t, types.IsInvalidInput(err))
}

func TestGroup_MirrorsPeerAdds(t *testing.T) {
	env := newTestEnv(t, nil)
	group, agents := newTestGroup(t, env, "lead", "standby")
	ctx := context.Background()

	id, err := group.Remember(ctx, "obstacle spotted near dock four", nil, nil)
	require.NoError(t, err)

	// The loopback delivered the added event; the passive member now
	// mirrors the node.
	assert.True(t, agents[1].WorkingMemory().Has(id))

	inSync, err := group.InSync(ctx)
	require.NoError(t, err)
	assert.True(t, inSync)
}

func TestGroup_MirrorsPeerEvictionsAndClears(t *testing.T) {
	env := newTestEnv(t, nil)
	_, agents := newTestGroup(t, env, "lead", "standby")
	ctx := context.Background()

	id, err := agents[0].Remember(ctx, "short lived note", nil, nil)
	require.NoError(t, err)
	require.True(t, agents[1].WorkingMemory().Has(id))

	// A peer eviction event drops the node from the other members.
	require.NoError(t, env.loop.Notify(ctx, types.EventEvicted, &id, agents[0].RobotID()))
	assert.False(t, agents[1].WorkingMemory().Has(id))
	// The publisher's own WM is untouched by its event.
	assert.True(t, agents[0].WorkingMemory().Has(id))

	require.NoError(t, env.loop.Notify(ctx, types.EventCleared, nil, agents[1].RobotID()))
	assert.Equal(t, 0, agents[0].WorkingMemory().NodeCount())
}

func TestGroup_ClearWorkingMemory(t *testing.T) {
	env := newTestEnv(t, nil)
	group, agents := newTestGroup(t, env, "lead", "standby")
	ctx := context.Background()

	_, err := group.Remember(ctx, "note before the wipe", nil, nil)
	require.NoError(t, err)

	var cleared int
	env.loop.OnChange(func(n types.Notification) {
		if n.Event == types.EventCleared {
			cleared++
		}
	})

	require.NoError(t, group.ClearWorkingMemory(ctx))
	for _, agent := range agents {
		assert.Equal(t, 0, agent.WorkingMemory().NodeCount())
		flagged, err := env.store.WorkingMemoryNodes(ctx, agent.RobotID())
		require.NoError(t, err)
		assert.Empty(t, flagged)
	}
	assert.Equal(t, 1, cleared)
}

func TestGroup_TransferWorkingMemory(t *testing.T) {
	env := newTestEnv(t, nil)
	group, agents := newTestGroup(t, env, "lead", "standby")
	ctx := context.Background()

	id, err := agents[0].Remember(ctx, "handover context for the next shift", nil, nil)
	require.NoError(t, err)

	require.NoError(t, group.TransferWorkingMemory(ctx, "lead", "standby", true))

	assert.False(t, agents[0].WorkingMemory().Has(id))
	assert.True(t, agents[1].WorkingMemory().Has(id))

	flagged, err := env.store.WorkingMemoryNodes(ctx, agents[1].RobotID())
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, id, flagged[0].ID)

	srcFlagged, err := env.store.WorkingMemoryNodes(ctx, agents[0].RobotID())
	require.NoError(t, err)
	assert.Empty(t, srcFlagged)
}

func TestGroup_SyncAllSharesTheView(t *testing.T) {
	env := newTestEnv(t, nil)
	group, agents := newTestGroup(t, env, "lead", "standby")
	ctx := context.Background()

	id, err := agents[0].Remember(ctx, "the shared map fragment", nil, nil)
	require.NoError(t, err)

	// Simulate a missed event: drop the node from the standby's local WM
	// and its flags.
	agents[1].WorkingMemory().Clear()
	require.NoError(t, env.store.ClearWorkingMemoryFlags(ctx, []types.RobotID{agents[1].RobotID()}))

	inSync, err := group.InSync(ctx)
	require.NoError(t, err)
	assert.True(t, inSync, "locally consistent, but views diverge")

	require.NoError(t, group.SyncAll(ctx))

	// Every member now holds and flags the shared node.
	for _, agent := range agents {
		assert.True(t, agent.WorkingMemory().Has(id))
		flagged, err := env.store.WorkingMemoryNodes(ctx, agent.RobotID())
		require.NoError(t, err)
		require.Len(t, flagged, 1)
		assert.Equal(t, id, flagged[0].ID)
	}

	inSync, err = group.InSync(ctx)
	require.NoError(t, err)
	assert.True(t, inSync)
}

func TestGroup_StatusReportsChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	group, _ := newTestGroup(t, env, "lead")

	status := group.Status()
	assert.Equal(t, "fleet-7", status.Name)
	assert.Equal(t, "fleet-7", status.Channel)
	require.Len(t, status.Members, 1)
	assert.Equal(t, RoleActive, status.Members[0].Role)
}
