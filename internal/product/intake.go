/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package product

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/messaging"
	"github.com/friendsincode/equiplet_grid/internal/models"
)

const (
	defaultPollInterval = 2 * time.Second
	claimBatch          = 32
	releaseTimeout      = 5 * time.Second
)

// Submit validates p and stores it as pending. A missing id is generated.
func Submit(ctx context.Context, store blackboard.Store, p models.Product) (string, error) {
	if len(p.Steps) == 0 {
		return "", fmt.Errorf("product %q has no steps", p.Name)
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s.Capability) == "" {
			return "", fmt.Errorf("product %q step %d has no capability", p.Name, i)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = models.ProductPending
	p.ClaimedBy = ""
	p.SubmittedAt = time.Now().UTC()
	p.FinishedAt = nil
	return store.Insert(ctx, models.CollectionProducts, p)
}

// IntakeConfig tunes the intake loop.
type IntakeConfig struct {
	InstanceID   string
	PollInterval time.Duration
	Agent        Config
}

// Intake claims pending products and runs an agent for each.
type Intake struct {
	store     blackboard.Store
	directory *directory.Directory
	transport messaging.Transport
	cfg       IntakeConfig
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewIntake creates an intake loop.
func NewIntake(store blackboard.Store, dir *directory.Directory, transport messaging.Transport, cfg IntakeConfig, logger zerolog.Logger) *Intake {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &Intake{
		store:     store,
		directory: dir,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "product_intake").Logger(),
		running:   make(map[string]struct{}),
	}
}

// Run polls until ctx is done, then waits for the product agents it started.
func (in *Intake) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	defer in.wg.Wait()

	in.logger.Info().Dur("poll_interval", in.cfg.PollInterval).Msg("product intake started")
	for {
		if err := in.poll(ctx); err != nil && ctx.Err() == nil {
			in.logger.Error().Err(err).Msg("product poll failed")
		}
		select {
		case <-ctx.Done():
			in.logger.Info().Msg("product intake stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Active returns the number of product agents running.
func (in *Intake) Active() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.running)
}

func (in *Intake) poll(ctx context.Context) error {
	docs, err := in.store.Find(ctx, models.CollectionProducts, blackboard.Query{
		Filter: blackboard.Filter{"status": string(models.ProductPending)},
		Sort:   []blackboard.SortField{{Field: "submitted_at"}},
		Limit:  claimBatch,
	})
	if err != nil {
		return fmt.Errorf("find pending products: %w", err)
	}
	products, err := blackboard.DecodeAll[models.Product](docs)
	if err != nil {
		return err
	}

	for _, p := range products {
		claimed, err := in.claim(ctx, p.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		in.launch(ctx, p)
	}
	return nil
}

// claim moves a pending product to running. It reports false when another instance got there
// first.
func (in *Intake) claim(ctx context.Context, id string) (bool, error) {
	_, err := in.store.Update(ctx, models.CollectionProducts,
		blackboard.Filter{blackboard.IDField: id, "status": string(models.ProductPending)},
		map[string]any{"status": string(models.ProductRunning), "claimed_by": in.cfg.InstanceID},
	)
	if errors.Is(err, blackboard.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim product %s: %w", id, err)
	}
	return true, nil
}

func (in *Intake) launch(ctx context.Context, p models.Product) {
	agent, err := NewAgent(p, in.cfg.Agent, in.store, in.directory, in.transport, in.logger)
	if err != nil {
		in.logger.Error().Err(err).Str("product_id", p.ID).Msg("product agent not started")
		_, _ = in.store.Update(ctx, models.CollectionProducts, blackboard.ByID(p.ID), map[string]any{
			"status": string(models.ProductFailed),
			"reason": err.Error(),
		})
		return
	}

	in.mu.Lock()
	in.running[p.ID] = struct{}{}
	in.mu.Unlock()

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer func() {
			in.mu.Lock()
			delete(in.running, p.ID)
			in.mu.Unlock()
		}()

		in.logger.Info().Str("product_id", p.ID).Int("steps", len(p.Steps)).Msg("product claimed")
		err := agent.Run(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil && !errors.Is(err, ErrTerminated):
			in.release(ctx, p.ID)
		default:
			in.logger.Error().Err(err).Str("product_id", p.ID).Msg("product agent ended")
		}
	}()
}

// release hands a product whose agent was stopped back to pending so any instance can resume
// it. A product another instance claimed in the meantime is left alone.
func (in *Intake) release(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	_, err := in.store.Update(ctx, models.CollectionProducts,
		blackboard.Filter{blackboard.IDField: id, "status": string(models.ProductRunning), "claimed_by": in.cfg.InstanceID},
		map[string]any{"status": string(models.ProductPending), "claimed_by": ""},
	)
	switch {
	case err == nil:
		in.logger.Info().Str("product_id", id).Msg("product released")
	case errors.Is(err, blackboard.ErrNotFound):
	default:
		in.logger.Warn().Err(err).Str("product_id", id).Msg("product release failed")
	}
}
