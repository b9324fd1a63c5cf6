/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/step"
)

// Blackboard collections.
const (
	CollectionProducts       = "products"
	CollectionProductSteps   = "product_steps"
	CollectionEquipletStates = "equiplet_states"
	CollectionDirectory      = "directory"
)

// BlackboardDocument is the SQL row backing one blackboard document.
type BlackboardDocument struct {
	Collection string `gorm:"type:varchar(64);primaryKey"`
	DocID      string `gorm:"type:varchar(64);primaryKey"`
	Body       string `gorm:"type:text"`
	Seq        int64
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// TableName pins the table name across dialects.
func (BlackboardDocument) TableName() string { return "blackboard_documents" }

// ProductStatus tracks a product through the grid.
type ProductStatus string

const (
	ProductPending ProductStatus = "pending"
	ProductRunning ProductStatus = "running"
	ProductDone    ProductStatus = "done"
	ProductFailed  ProductStatus = "failed"
	ProductAborted ProductStatus = "aborted"
)

// Product is a work request submitted to the grid. Steps run in order.
type Product struct {
	ID          string         `json:"_id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Status      ProductStatus  `json:"status" yaml:"-"`
	Steps       []StepSpec     `json:"steps" yaml:"steps"`
	Bindings    map[string]any `json:"bindings,omitempty" yaml:"bindings"`
	ClaimedBy   string         `json:"claimed_by,omitempty" yaml:"-"`
	Reason      string         `json:"reason,omitempty" yaml:"-"`
	SubmittedAt time.Time      `json:"submitted_at" yaml:"-"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty" yaml:"-"`
}

// StepSpec is a step as submitted, before it becomes a ProductStep.
type StepSpec struct {
	Capability string         `json:"capability" yaml:"capability"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters"`
	InputRefs  []string       `json:"input_refs,omitempty" yaml:"inputs"`
	OutputRef  string         `json:"output_ref,omitempty" yaml:"output"`
}

// ProductStep is the blackboard record of one step of a product.
type ProductStep struct {
	ID          string           `json:"_id"`
	ProductID   string           `json:"product_id"`
	Index       int              `json:"index"`
	Capability  string           `json:"capability"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
	Instruction map[string]any   `json:"instruction,omitempty"`
	Status      step.Status      `json:"status"`
	InputRefs   []string         `json:"input_refs,omitempty"`
	OutputRef   string           `json:"output_ref,omitempty"`
	NextStepID  string           `json:"next_step_id,omitempty"`
	EquipletID  string           `json:"equiplet_id,omitempty"`
	Schedule    *ledger.TimeSlot `json:"schedule,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// EquipletStateEntry mirrors an equiplet's operating state. DesiredState is written by
// supervisors and the equiplet itself; State is written by the node once it has switched.
type EquipletStateEntry struct {
	ID           string    `json:"_id"`
	State        string    `json:"state"`
	DesiredState string    `json:"desired_state,omitempty"`
	Activity     string    `json:"activity,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DirectoryEntry advertises an equiplet to product agents.
type DirectoryEntry struct {
	ID           string            `json:"_id"`
	EquipletID   string            `json:"equiplet_id"`
	Capabilities []string          `json:"capabilities"`
	Connection   map[string]string `json:"connection,omitempty"`
	InstanceID   string            `json:"instance_id,omitempty"`
	PublishedAt  time.Time         `json:"published_at"`
}
