/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package grid

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/equiplet"
	"github.com/friendsincode/equiplet_grid/internal/events"
	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/messaging"
)

// ErrNotHosted is returned for an equiplet that is not running on this instance.
var ErrNotHosted = errors.New("equiplet not hosted on this instance")

// PoolConfig tunes the equiplet pool.
type PoolConfig struct {
	InstanceID   string
	Peers        []string
	LoadWindow   int64
	TickInterval time.Duration
	// SimulateNodes runs a simulated hardware node next to every agent.
	SimulateNodes bool
	InitTimeout   time.Duration
}

// Pool hosts the equiplet agents assigned to this instance. Assignment uses consistent
// hashing over the instance ids so every equiplet runs on exactly one instance.
type Pool struct {
	cfg       PoolConfig
	store     blackboard.Store
	directory *directory.Directory
	transport messaging.Transport
	clock     ledger.Clock
	bus       events.Broker
	inbox     *messaging.Inbox
	logger    zerolog.Logger

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	def       *Definition
	instances []string
	ring      *hashRing
	hosted    map[string]*hosted
	wg        sync.WaitGroup
}

type hosted struct {
	agent  *equiplet.Agent
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates a pool. bus may be nil.
func NewPool(cfg PoolConfig, store blackboard.Store, dir *directory.Directory, transport messaging.Transport, clock ledger.Clock, bus events.Broker, logger zerolog.Logger) (*Pool, error) {
	if cfg.InstanceID == "" {
		return nil, errors.New("pool needs an instance id")
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "equiplet_pool").Str("instance_id", cfg.InstanceID).Logger()

	inbox, err := messaging.NewInbox("grid-"+cfg.InstanceID, transport, logger)
	if err != nil {
		return nil, fmt.Errorf("register pool: %w", err)
	}

	ring := newHashRing(virtualNodes)
	instances := []string{cfg.InstanceID}
	ring.add(cfg.InstanceID)
	for _, peer := range cfg.Peers {
		if peer == cfg.InstanceID || slices.Contains(instances, peer) {
			continue
		}
		instances = append(instances, peer)
		ring.add(peer)
	}
	sort.Strings(instances)

	return &Pool{
		cfg:       cfg,
		store:     store,
		directory: dir,
		transport: transport,
		clock:     clock,
		bus:       bus,
		inbox:     inbox,
		logger:    logger,
		instances: instances,
		ring:      ring,
		hosted:    make(map[string]*hosted),
	}, nil
}

// Start launches every equiplet of def assigned to this instance.
func (p *Pool) Start(ctx context.Context, def *Definition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return errors.New("pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.def = def

	p.logger.Info().Int("equiplets", len(def.Equiplets)).Strs("instances", p.instances).Msg("starting equiplet pool")
	for _, e := range def.Equiplets {
		if !p.assignedLocked(e.ID) {
			continue
		}
		if err := p.startLocked(e); err != nil {
			p.logger.Error().Err(err).Str("equiplet", e.ID).Msg("failed to start equiplet")
		}
	}
	p.logger.Info().Int("hosted", len(p.hosted)).Msg("equiplet pool started")
	return nil
}

// StartEquiplet launches equiplet id if it is defined and assigned to this instance.
func (p *Pool) StartEquiplet(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.def == nil {
		return errors.New("pool not started")
	}
	e, ok := p.def.Lookup(id)
	if !ok {
		return fmt.Errorf("equiplet %s is not defined", id)
	}
	if owner, _ := p.ring.owner(id); owner != p.cfg.InstanceID {
		return fmt.Errorf("equiplet %s assigned to %s", id, owner)
	}
	return p.startLocked(e)
}

func (p *Pool) startLocked(e EquipletDef) error {
	if _, running := p.hosted[e.ID]; running {
		return fmt.Errorf("equiplet %s already running", e.ID)
	}

	initial := equiplet.Safe
	if e.InitialState != "" {
		s, err := equiplet.ParseState(e.InitialState)
		if err != nil {
			return err
		}
		initial = s
	}
	agent, err := equiplet.NewAgent(equiplet.Config{
		ID:           e.ID,
		Durations:    e.Durations,
		InitialState: initial,
		Connection:   e.Connection,
		LoadWindow:   p.cfg.LoadWindow,
		TickInterval: p.cfg.TickInterval,
	}, p.store, p.directory, p.transport, p.clock, p.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(p.ctx)
	h := &hosted{agent: agent, cancel: cancel, done: make(chan struct{})}
	p.hosted[e.ID] = h

	if p.cfg.SimulateNodes {
		delay := time.Duration(0)
		if p.def != nil {
			delay = p.def.NodeDelay
		}
		node := equiplet.NewNode(e.ID, p.store, delay, p.logger)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn().Err(err).Str("equiplet", e.ID).Msg("node stopped")
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(h.done)
		defer cancel()
		p.supervise(ctx, e.ID, h)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.initialise(ctx, e.ID)
	}()

	p.logger.Info().Str("equiplet", e.ID).Str("initial_state", string(initial)).Msg("equiplet started")
	return nil
}

// supervise runs the agent. An agent that terminates itself is removed and not restarted.
func (p *Pool) supervise(ctx context.Context, id string, h *hosted) {
	err := h.agent.Run(ctx)
	if !errors.Is(err, equiplet.ErrTerminated) {
		return
	}

	p.logger.Error().Err(err).Str("equiplet", id).Msg("equiplet agent terminated, removing from pool")
	p.mu.Lock()
	if p.hosted[id] == h {
		delete(p.hosted, id)
	}
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.EventAgentTerminated, events.Payload{
			"agent":       id,
			"kind":        "equiplet",
			"instance_id": p.cfg.InstanceID,
			"error":       err.Error(),
		})
	}
}

// initialise tells a freshly started agent that its hardware is ready.
func (p *Pool) initialise(ctx context.Context, id string) {
	msg, err := messaging.NewMessage("", id, messaging.InitialisationFinished, messaging.Request, "", nil)
	if err != nil {
		return
	}
	reply, err := p.inbox.Request(ctx, msg, p.cfg.InitTimeout)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("equiplet", id).Msg("initialisation not acknowledged")
		}
		return
	}
	p.logger.Debug().Str("equiplet", id).Str("performative", string(reply.Performative)).Msg("initialisation acknowledged")
}

// StopEquiplet stops equiplet id and waits for its agent to withdraw.
func (p *Pool) StopEquiplet(id string) error {
	p.mu.Lock()
	h, ok := p.hosted[id]
	delete(p.hosted, id)
	p.mu.Unlock()
	if !ok {
		return ErrNotHosted
	}
	h.cancel()
	<-h.done
	p.logger.Info().Str("equiplet", id).Msg("equiplet stopped")
	return nil
}

// Stop stops every hosted equiplet.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.hosted = make(map[string]*hosted)
	p.mu.Unlock()

	p.wg.Wait()
	p.inbox.Close()
	p.logger.Info().Msg("equiplet pool stopped")
}

// Agent returns the agent of a hosted equiplet.
func (p *Pool) Agent(id string) (*equiplet.Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hosted[id]
	if !ok {
		return nil, ErrNotHosted
	}
	return h.agent, nil
}

// Schedule summarises the ledger of a hosted equiplet.
func (p *Pool) Schedule(id string) (equiplet.ScheduleView, bool) {
	agent, err := p.Agent(id)
	if err != nil {
		return equiplet.ScheduleView{}, false
	}
	return agent.Schedule(), true
}

// Hosted lists the equiplets running on this instance.
func (p *Pool) Hosted() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.hosted))
	for id := range p.hosted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Assignment returns the instance responsible for equiplet id.
func (p *Pool) Assignment(id string) (string, error) {
	owner, ok := p.ring.owner(id)
	if !ok {
		return "", fmt.Errorf("no instance available for equiplet %s", id)
	}
	return owner, nil
}

// AddInstance adds a peer and hands over the equiplets it now owns.
func (p *Pool) AddInstance(instanceID string) error {
	p.mu.Lock()
	if slices.Contains(p.instances, instanceID) {
		p.mu.Unlock()
		return fmt.Errorf("instance %s already exists", instanceID)
	}
	p.instances = append(p.instances, instanceID)
	sort.Strings(p.instances)
	p.ring.add(instanceID)
	p.logger.Info().Str("peer", instanceID).Int("total_instances", len(p.instances)).Msg("instance added to pool")
	p.mu.Unlock()

	p.rebalance()
	return nil
}

// RemoveInstance drops a peer and takes over the equiplets it owned.
func (p *Pool) RemoveInstance(instanceID string) error {
	p.mu.Lock()
	idx := slices.Index(p.instances, instanceID)
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("instance %s not found", instanceID)
	}
	p.instances = slices.Delete(p.instances, idx, idx+1)
	p.ring.remove(instanceID)
	p.logger.Info().Str("peer", instanceID).Int("total_instances", len(p.instances)).Msg("instance removed from pool")
	p.mu.Unlock()

	p.rebalance()
	return nil
}

// rebalance stops equiplets assigned elsewhere, then starts the defined ones now assigned here.
func (p *Pool) rebalance() {
	for _, id := range p.Hosted() {
		if owner, _ := p.ring.owner(id); owner != p.cfg.InstanceID {
			if err := p.StopEquiplet(id); err != nil && !errors.Is(err, ErrNotHosted) {
				p.logger.Error().Err(err).Str("equiplet", id).Msg("failed to hand over equiplet")
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.def == nil {
		return
	}
	for _, e := range p.def.Equiplets {
		if _, running := p.hosted[e.ID]; running || !p.assignedLocked(e.ID) {
			continue
		}
		if err := p.startLocked(e); err != nil {
			p.logger.Error().Err(err).Str("equiplet", e.ID).Msg("failed to take over equiplet")
		}
	}
}

func (p *Pool) assignedLocked(id string) bool {
	owner, ok := p.ring.owner(id)
	return ok && owner == p.cfg.InstanceID
}
