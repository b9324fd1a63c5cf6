/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package step

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// ErrUnresolvedPlaceholder is returned when a parameter names a binding the product lacks.
var ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

const placeholderSuffix = "-PLACEHOLDER"

// NoSuccessor marks the last link of a chain.
const NoSuccessor = -1

// Link is one step of a chain. Next indexes the successor within the chain.
type Link struct {
	StepID     string
	Parameters map[string]any
	Next       int
}

// Chain is the ordered steps of one product connected by successor indices.
type Chain []Link

// Linear builds a chain where every step is followed by the next one in slice order.
func Linear(links []Link) Chain {
	c := make(Chain, len(links))
	for i, l := range links {
		l.Next = i + 1
		if i == len(links)-1 {
			l.Next = NoSuccessor
		}
		c[i] = l
	}
	return c
}

// IndexOf returns the position of stepID, or -1.
func (c Chain) IndexOf(stepID string) int {
	for i, l := range c {
		if l.StepID == stepID {
			return i
		}
	}
	return -1
}

// PersistFunc stores the resolved instruction of a step.
type PersistFunc func(ctx context.Context, stepID string, instruction map[string]any) error

// Failure records a step the resolver could not fill or store.
type Failure struct {
	StepID string
	Err    error
}

// Resolver fills placeholders along a chain.
type Resolver struct {
	logger  zerolog.Logger
	persist PersistFunc
}

// NewResolver creates a resolver persisting through fn.
func NewResolver(logger zerolog.Logger, fn PersistFunc) *Resolver {
	return &Resolver{
		logger:  logger.With().Str("component", "placeholder_resolver").Logger(),
		persist: fn,
	}
}

// Resolve walks the chain from start through successor indices, resolving and persisting
// each step's parameters against bindings. A failing step is logged and skipped; steps
// resolved before it stay resolved. The walk visits at most len(chain) links.
func (r *Resolver) Resolve(ctx context.Context, chain Chain, start int, bindings map[string]any) []Failure {
	var failures []Failure

	i := start
	for visited := 0; i >= 0 && i < len(chain) && visited < len(chain); visited++ {
		if ctx.Err() != nil {
			failures = append(failures, Failure{StepID: chain[i].StepID, Err: ctx.Err()})
			return failures
		}

		link := chain[i]
		instruction, err := Fill(link.Parameters, bindings)
		if err == nil {
			err = r.persist(ctx, link.StepID, instruction)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("step_id", link.StepID).Msg("step left unresolved")
			telemetry.PlaceholderFailuresTotal.Inc()
			failures = append(failures, Failure{StepID: link.StepID, Err: err})
		}
		i = link.Next
	}
	return failures
}

// Fill returns a copy of params with every placeholder replaced from bindings. Two forms are
// recognised: "NAME-PLACEHOLDER", bound by the lower-cased NAME, and "{{name}}".
func Fill(params map[string]any, bindings map[string]any) (map[string]any, error) {
	var missing []string
	out, _ := fillValue(params, bindings, &missing).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, strings.Join(missing, ", "))
	}
	return out, nil
}

func fillValue(v any, bindings map[string]any, missing *[]string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = fillValue(inner, bindings, missing)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = fillValue(inner, bindings, missing)
		}
		return out
	case string:
		name, ok := PlaceholderName(val)
		if !ok {
			return val
		}
		if bound, found := lookup(bindings, name); found {
			return bound
		}
		*missing = append(*missing, name)
		return val
	default:
		return v
	}
}

// PlaceholderName returns the binding name a placeholder value refers to.
func PlaceholderName(s string) (string, bool) {
	if strings.HasSuffix(s, placeholderSuffix) && len(s) > len(placeholderSuffix) {
		return strings.ToLower(strings.TrimSuffix(s, placeholderSuffix)), true
	}
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && len(s) > 4 {
		return strings.TrimSpace(s[2 : len(s)-2]), true
	}
	return "", false
}

func lookup(bindings map[string]any, name string) (any, bool) {
	if v, ok := bindings[name]; ok {
		return v, true
	}
	if v, ok := bindings[strings.ToUpper(name)]; ok {
		return v, true
	}
	return nil, false
}
