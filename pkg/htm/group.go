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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/memory"
	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/types"
)

// Role of a group member.
type Role string

const (
	RoleActive  Role = "active"
	RolePassive Role = "passive"
)

// MemberStatus is one member's entry in a group status report.
type MemberStatus struct {
	Name    string         `json:"name"`
	RobotID types.RobotID  `json:"robot_id"`
	Role    Role           `json:"role"`
	WM      memory.WMStats `json:"working_memory"`
}

// GroupStatus is a point-in-time group summary.
type GroupStatus struct {
	Name    string         `json:"name"`
	Channel string         `json:"channel"`
	Members []MemberStatus `json:"members"`
}

type member struct {
	agent *Agent
	role  Role
}

// Group coordinates a named set of agents sharing one long-term
// memory. Members are active (serve remember/recall) or passive (mirror
// the shared view). The group listens on its channel and applies peer
// events to local working memories; the database WM flag stays the
// source of truth and Sync reconciles against it.
type Group struct {
	name     string
	notifier Notifier
	tracer   observability.Tracer
	logger   *zap.Logger

	mu      sync.RWMutex
	members []*member
}

// NewGroup creates a coordinator bound to a notifier and subscribes to
// peer events. Call Notifier.Start separately to begin receiving.
func NewGroup(name string, notifier Notifier, tracer observability.Tracer) *Group {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	g := &Group{
		name:     name,
		notifier: notifier,
		tracer:   tracer,
		logger:   zap.L().Named("group").With(zap.String("group", name)),
	}
	if notifier != nil {
		notifier.OnChange(g.handleNotification)
	}
	return g
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// AddActive registers an agent as an active member.
func (g *Group) AddActive(agent *Agent) error {
	return g.add(agent, RoleActive)
}

// AddPassive registers an agent as a passive member.
func (g *Group) AddPassive(agent *Agent) error {
	return g.add(agent, RolePassive)
}

func (g *Group) add(agent *Agent, role Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range g.members {
		if m.agent.Name() == agent.Name() {
			return types.NewInvalidInput("member %q already in group", agent.Name())
		}
	}
	g.members = append(g.members, &member{agent: agent, role: role})
	g.logger.Info("member added",
		zap.String("member", agent.Name()), zap.String("role", string(role)))
	return nil
}

// Remove drops a member. Removing the last active member fails while
// passive members remain; promote one first.
func (g *Group) Remove(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.indexLocked(name)
	if idx < 0 {
		return types.ErrNotFound
	}
	if g.members[idx].role == RoleActive && g.countLocked(RoleActive) == 1 && len(g.members) > 1 {
		return types.NewInvalidInput("cannot remove the last active member while passives remain")
	}

	g.members = append(g.members[:idx], g.members[idx+1:]...)
	g.logger.Info("member removed", zap.String("member", name))
	return nil
}

// Promote makes a member active.
func (g *Group) Promote(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.indexLocked(name)
	if idx < 0 {
		return types.ErrNotFound
	}
	g.members[idx].role = RoleActive
	g.logger.Info("member promoted", zap.String("member", name))
	return nil
}

// Demote makes a member passive. Demoting the last active member fails.
func (g *Group) Demote(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.indexLocked(name)
	if idx < 0 {
		return types.ErrNotFound
	}
	if g.members[idx].role == RoleActive && g.countLocked(RoleActive) == 1 {
		return types.NewInvalidInput("cannot demote the last active member")
	}
	g.members[idx].role = RolePassive
	g.logger.Info("member demoted", zap.String("member", name))
	return nil
}

// Failover promotes the first passive member, e.g. after an active
// member became unhealthy.
func (g *Group) Failover() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range g.members {
		if m.role == RolePassive {
			m.role = RoleActive
			g.logger.Info("failover promoted member",
				zap.String("member", m.agent.Name()))
			return m.agent.Name(), nil
		}
	}
	return "", types.NewInvalidInput("no passive member to promote")
}

// Member returns an agent by name.
func (g *Group) Member(name string) (*Agent, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx := g.indexLocked(name)
	if idx < 0 {
		return nil, types.ErrNotFound
	}
	return g.members[idx].agent, nil
}

// Remember delegates to the first active member.
func (g *Group) Remember(ctx context.Context, content string, metadata map[string]interface{}, tagList []string) (types.NodeID, error) {
	agent, err := g.firstActive()
	if err != nil {
		return 0, err
	}
	return agent.Remember(ctx, content, metadata, tagList)
}

// Recall delegates to the first active member.
func (g *Group) Recall(ctx context.Context, query string, opts RecallOptions) ([]types.SearchResult, error) {
	agent, err := g.firstActive()
	if err != nil {
		return nil, err
	}
	return agent.Recall(ctx, query, opts)
}

// ClearWorkingMemory empties every member's working memory, drops the
// flags in one batch, and announces the clear.
func (g *Group) ClearWorkingMemory(ctx context.Context) error {
	ctx, span := g.tracer.StartSpan(ctx, "group.clear_working_memory")
	defer g.tracer.EndSpan(span)

	g.mu.RLock()
	agents := g.agentsLocked()
	g.mu.RUnlock()
	if len(agents) == 0 {
		return nil
	}

	robotIDs := make([]types.RobotID, 0, len(agents))
	for _, agent := range agents {
		agent.WorkingMemory().Clear()
		robotIDs = append(robotIDs, agent.RobotID())
	}
	if err := agents[0].LTM().ClearWorkingMemoryFlags(ctx, robotIDs); err != nil {
		span.RecordError(err)
		return err
	}

	g.notify(ctx, types.EventCleared, nil, robotIDs[0])
	return nil
}

// TransferWorkingMemory copies src's working memory into dst, linking
// edges and raising flags for dst. clearSource then empties src.
func (g *Group) TransferWorkingMemory(ctx context.Context, src, dst string, clearSource bool) error {
	ctx, span := g.tracer.StartSpan(ctx, "group.transfer_working_memory")
	defer g.tracer.EndSpan(span)

	srcAgent, err := g.Member(src)
	if err != nil {
		return err
	}
	dstAgent, err := g.Member(dst)
	if err != nil {
		return err
	}

	entries := srcAgent.WorkingMemory().Entries()
	moved := make([]types.NodeID, 0, len(entries))
	for _, entry := range entries {
		if _, err := dstAgent.WorkingMemory().Add(entry.NodeID, entry.Content, entry.TokenCount, memory.AddOptions{
			AccessCount:  entry.AccessCount,
			LastAccessed: entry.LastAccessed,
			FromRecall:   true,
		}); err != nil {
			g.logger.Warn("transfer skipped entry",
				zap.Int64("node_id", int64(entry.NodeID)), zap.Error(err))
			continue
		}
		if _, err := dstAgent.LTM().LinkRobotToNode(ctx, dstAgent.RobotID(), entry.NodeID, true); err != nil {
			span.RecordError(err)
			return err
		}
		moved = append(moved, entry.NodeID)
	}

	if clearSource {
		srcAgent.WorkingMemory().Clear()
		if err := srcAgent.LTM().ClearWorkingMemoryFlags(ctx, []types.RobotID{srcAgent.RobotID()}); err != nil {
			span.RecordError(err)
			return err
		}
	}

	span.SetAttribute("moved", len(moved))
	g.logger.Info("working memory transferred",
		zap.String("src", src), zap.String("dst", dst), zap.Int("moved", len(moved)))
	return nil
}

// SyncRobot rebuilds one member's working memory from the database WM
// flags, the source of truth.
func (g *Group) SyncRobot(ctx context.Context, name string) error {
	agent, err := g.Member(name)
	if err != nil {
		return err
	}
	return g.syncAgent(ctx, agent)
}

func (g *Group) syncAgent(ctx context.Context, agent *Agent) error {
	nodes, err := agent.LTM().WorkingMemoryNodes(ctx, agent.RobotID())
	if err != nil {
		return err
	}

	wm := agent.WorkingMemory()
	wm.Clear()
	for _, node := range nodes {
		if _, err := wm.Add(node.ID, node.Content, node.TokenCount, memory.AddOptions{
			AccessCount:  node.AccessCount,
			LastAccessed: node.LastAccessed,
			FromRecall:   true,
		}); err != nil {
			g.logger.Warn("sync skipped node",
				zap.String("member", agent.Name()),
				zap.Int64("node_id", int64(node.ID)), zap.Error(err))
		}
	}
	return nil
}

// SyncAll reconciles every member against the shared view: the union of
// all members' flagged nodes. Each member's edges to shared-view nodes
// are linked and flagged, then its working memory is rebuilt.
func (g *Group) SyncAll(ctx context.Context) error {
	ctx, span := g.tracer.StartSpan(ctx, "group.sync_all")
	defer g.tracer.EndSpan(span)

	g.mu.RLock()
	agents := g.agentsLocked()
	g.mu.RUnlock()
	if len(agents) == 0 {
		return nil
	}

	// Shared view: every node flagged by any member.
	shared := make(map[types.NodeID]struct{})
	for _, agent := range agents {
		nodes, err := agent.LTM().WorkingMemoryNodes(ctx, agent.RobotID())
		if err != nil {
			span.RecordError(err)
			return err
		}
		for _, node := range nodes {
			shared[node.ID] = struct{}{}
		}
	}

	for _, agent := range agents {
		for id := range shared {
			if _, err := agent.LTM().LinkRobotToNode(ctx, agent.RobotID(), id, true); err != nil {
				span.RecordError(err)
				return err
			}
		}
		if err := g.syncAgent(ctx, agent); err != nil {
			span.RecordError(err)
			return err
		}
	}

	span.SetAttribute("shared_nodes", len(shared))
	return nil
}

// InSync reports whether every member's local working memory matches
// its database flags.
func (g *Group) InSync(ctx context.Context) (bool, error) {
	g.mu.RLock()
	agents := g.agentsLocked()
	g.mu.RUnlock()

	for _, agent := range agents {
		nodes, err := agent.LTM().WorkingMemoryNodes(ctx, agent.RobotID())
		if err != nil {
			return false, err
		}
		local := agent.WorkingMemory().NodeIDs()
		if len(local) != len(nodes) {
			return false, nil
		}
		held := make(map[types.NodeID]struct{}, len(local))
		for _, id := range local {
			held[id] = struct{}{}
		}
		for _, node := range nodes {
			if _, ok := held[node.ID]; !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// Status reports membership and working-memory statistics.
func (g *Group) Status() GroupStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	status := GroupStatus{Name: g.name}
	if g.notifier != nil {
		status.Channel = g.notifier.Name()
	}
	for _, m := range g.members {
		status.Members = append(status.Members, MemberStatus{
			Name:    m.agent.Name(),
			RobotID: m.agent.RobotID(),
			Role:    m.role,
			WM:      m.agent.WorkingMemory().Stats(),
		})
	}
	return status
}

// handleNotification mirrors peer events into local working memories.
// Events are best-effort; Sync against the database repairs anything
// missed.
func (g *Group) handleNotification(n types.Notification) {
	g.mu.RLock()
	agents := g.agentsLocked()
	g.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch n.Event {
	case types.EventAdded:
		if n.NodeID == nil {
			return
		}
		g.mirrorAdd(ctx, agents, n)
	case types.EventEvicted:
		if n.NodeID == nil {
			return
		}
		for _, agent := range agents {
			if agent.RobotID() == n.RobotID {
				continue
			}
			agent.WorkingMemory().Remove(*n.NodeID)
		}
	case types.EventCleared:
		for _, agent := range agents {
			if agent.RobotID() == n.RobotID {
				continue
			}
			agent.WorkingMemory().Clear()
		}
	}
}

func (g *Group) mirrorAdd(ctx context.Context, agents []*Agent, n types.Notification) {
	var node *types.Node
	for _, agent := range agents {
		if agent.RobotID() == n.RobotID || agent.WorkingMemory().Has(*n.NodeID) {
			continue
		}
		if node == nil {
			var err error
			node, err = agent.LTM().Peek(ctx, *n.NodeID)
			if err != nil {
				g.logger.Warn("mirror fetch failed",
					zap.Int64("node_id", int64(*n.NodeID)), zap.Error(err))
				return
			}
		}
		if _, err := agent.WorkingMemory().Add(node.ID, node.Content, node.TokenCount, memory.AddOptions{
			AccessCount:  node.AccessCount,
			LastAccessed: node.LastAccessed,
			FromRecall:   true,
		}); err != nil {
			g.logger.Warn("mirror add skipped",
				zap.String("member", agent.Name()),
				zap.Int64("node_id", int64(node.ID)), zap.Error(err))
			continue
		}
		if _, err := agent.LTM().LinkRobotToNode(ctx, agent.RobotID(), node.ID, true); err != nil {
			g.logger.Warn("mirror link failed",
				zap.String("member", agent.Name()),
				zap.Int64("node_id", int64(node.ID)), zap.Error(err))
		}
	}
}

func (g *Group) firstActive() (*Agent, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, m := range g.members {
		if m.role == RoleActive {
			return m.agent, nil
		}
	}
	return nil, types.NewInvalidInput("group %q has no active member", g.name)
}

// notify publishes a group-level event; failures are logged.
func (g *Group) notify(ctx context.Context, event types.ChannelEvent, nodeID *types.NodeID, robotID types.RobotID) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(ctx, event, nodeID, robotID); err != nil {
		g.logger.Warn("group notify failed",
			zap.String("event", string(event)), zap.Error(err))
	}
}

func (g *Group) indexLocked(name string) int {
	for i, m := range g.members {
		if m.agent.Name() == name {
			return i
		}
	}
	return -1
}

func (g *Group) countLocked(role Role) int {
	count := 0
	for _, m := range g.members {
		if m.role == role {
			count++
		}
	}
	return count
}

func (g *Group) agentsLocked() []*Agent {
	agents := make([]*Agent, 0, len(g.members))
	for _, m := range g.members {
		agents = append(agents, m.agent)
	}
	return agents
}
