/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package equiplet

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/models"
)

// Node simulates the hardware side of an equiplet: it applies desired_state to state after
// a switching delay.
type Node struct {
	id     string
	store  blackboard.Store
	delay  time.Duration
	logger zerolog.Logger
}

// NewNode creates a node for equiplet id.
func NewNode(id string, store blackboard.Store, delay time.Duration, logger zerolog.Logger) *Node {
	return &Node{
		id:     id,
		store:  store,
		delay:  delay,
		logger: logger.With().Str("component", "equiplet_node").Str("equiplet", id).Logger(),
	}
}

// Run applies state directives until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	sub, err := n.store.Subscribe(ctx, models.CollectionEquipletStates, "desired_state", blackboard.OpSet, blackboard.OpInsert)
	if err != nil {
		return err
	}
	defer sub.Close()

	// A directive written before we subscribed.
	if err := n.apply(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("applying pending directive failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return errors.New("state directive feed closed")
			}
			if ev.DocumentID != n.id {
				continue
			}
			if err := n.apply(ctx); err != nil {
				n.logger.Warn().Err(err).Msg("applying directive failed")
			}
		}
	}
}

func (n *Node) apply(ctx context.Context) error {
	doc, err := n.store.Get(ctx, models.CollectionEquipletStates, n.id)
	if errors.Is(err, blackboard.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var entry models.EquipletStateEntry
	if err := blackboard.Decode(doc, &entry); err != nil {
		return err
	}
	if entry.DesiredState == "" || entry.DesiredState == entry.State {
		return nil
	}
	if _, err := ParseState(entry.DesiredState); err != nil {
		return err
	}

	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.logger.Info().Str("from", entry.State).Str("to", entry.DesiredState).Msg("node switched state")
	return n.SetState(ctx, State(entry.DesiredState))
}

// SetState reports a state change of the node, as the hardware would after a switch or a fault.
func (n *Node) SetState(ctx context.Context, s State) error {
	_, err := n.store.Update(ctx, models.CollectionEquipletStates, blackboard.ByID(n.id), map[string]any{
		"state":      string(s),
		"updated_at": time.Now().UTC(),
	})
	return err
}
