/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/equiplet_grid/internal/events"
	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// SQLStore keeps documents as JSON rows through gorm and announces changes on an event broker.
// Filtering and sorting run in Go so the same store works on SQLite, PostgreSQL and MySQL.
type SQLStore struct {
	db     *gorm.DB
	broker events.Broker
	logger zerolog.Logger

	// beforeWrite runs between reading and writing a patched document.
	beforeWrite func(docID string)
}

// NewSQLStore creates a store on a migrated database.
func NewSQLStore(db *gorm.DB, broker events.Broker, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		broker: broker,
		logger: logger.With().Str("component", "blackboard").Str("backend", "sql").Logger(),
	}
}

func (s *SQLStore) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrDuplicateKey):
		result = "duplicate"
	default:
		result = "error"
	}
	telemetry.BlackboardOperationsTotal.WithLabelValues("sql", op, result).Inc()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Insert stores doc and returns its id.
func (s *SQLStore) Insert(ctx context.Context, collection string, doc any) (id string, err error) {
	defer func() { s.record("insert", err) }()

	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	d, err := Encode(doc)
	if err != nil {
		return "", err
	}
	id = d.ID()
	if id == "" {
		id = uuid.NewString()
		d[IDField] = id
	}
	body, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.BlackboardDocument{}).
			Where("collection = ? AND doc_id = ?", collection, id).
			Count(&count).Error; err != nil {
			return unavailable("insert", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, collection, id)
		}
		row := models.BlackboardDocument{
			Collection: collection,
			DocID:      id,
			Body:       string(body),
			Seq:        1,
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, collection, id)
			}
			return unavailable("insert", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.publish(ChangeEvent{Collection: collection, DocumentID: id, Operation: OpInsert, Fields: topLevelFields(d)})
	return id, nil
}

// Find returns matching documents in query order. Without a sort, insertion order is kept.
func (s *SQLStore) Find(ctx context.Context, collection string, q Query) (docs []Document, err error) {
	defer func() { s.record("find", err) }()

	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Where("collection = ?", collection)
	if id, ok := q.Filter[IDField].(string); ok {
		tx = tx.Where("doc_id = ?", id)
	}
	var rows []models.BlackboardDocument
	if err := tx.Order("created_at ASC").Order("doc_id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("find", err)
	}

	docs = make([]Document, 0, len(rows))
	for _, row := range rows {
		d, err := decodeRow(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("collection", collection).Str("id", row.DocID).Msg("skipping unreadable document")
			continue
		}
		if Matches(d, q.Filter) {
			docs = append(docs, d)
		}
	}
	SortDocuments(docs, q.Sort)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Get returns a single document.
func (s *SQLStore) Get(ctx context.Context, collection, id string) (Document, error) {
	docs, err := s.Find(ctx, collection, Query{Filter: ByID(id), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return docs[0], nil
}

// Update sets the fields of patch on every matching document. A document another writer
// changed in the meantime is re-read and patched again while it still matches filter.
func (s *SQLStore) Update(ctx context.Context, collection string, filter Filter, patch map[string]any) (n int64, err error) {
	defer func() { s.record("update", err) }()

	if err := ValidateCollection(collection); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, errors.New("empty patch")
	}

	q := s.db.WithContext(ctx).Where("collection = ?", collection)
	if id, ok := filter[IDField].(string); ok {
		q = q.Where("doc_id = ?", id)
	}
	var rows []models.BlackboardDocument
	if err := q.Find(&rows).Error; err != nil {
		return 0, unavailable("update", err)
	}

	for _, row := range rows {
		fields, ok, perr := s.patchRow(ctx, row, filter, patch)
		if perr != nil {
			err = perr
			break
		}
		if !ok {
			continue
		}
		n++
		s.publish(ChangeEvent{Collection: collection, DocumentID: row.DocID, Operation: OpSet, Fields: fields})
	}
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s %v", ErrNotFound, collection, filter)
	}
	return n, nil
}

const maxPatchAttempts = 8

// patchRow writes patch onto row guarded by its sequence number. It reports false when the
// document is gone or no longer matches filter.
func (s *SQLStore) patchRow(ctx context.Context, row models.BlackboardDocument, filter Filter, patch map[string]any) ([]string, bool, error) {
	for attempt := 0; attempt < maxPatchAttempts; attempt++ {
		if attempt > 0 {
			var fresh models.BlackboardDocument
			err := s.db.WithContext(ctx).
				Where("collection = ? AND doc_id = ?", row.Collection, row.DocID).
				Take(&fresh).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, unavailable("update", err)
			}
			row = fresh
		}

		d, err := decodeRow(row)
		if err != nil || !Matches(d, filter) {
			return nil, false, nil
		}
		updated, fields, err := ApplyPatch(d, patch)
		if err != nil {
			return nil, false, err
		}
		body, err := json.Marshal(updated)
		if err != nil {
			return nil, false, fmt.Errorf("marshal document: %w", err)
		}

		if s.beforeWrite != nil {
			s.beforeWrite(row.DocID)
		}
		res := s.db.WithContext(ctx).Model(&models.BlackboardDocument{}).
			Where("collection = ? AND doc_id = ? AND seq = ?", row.Collection, row.DocID, row.Seq).
			Updates(map[string]any{"body": string(body), "seq": row.Seq + 1, "updated_at": time.Now()})
		if res.Error != nil {
			return nil, false, unavailable("update", res.Error)
		}
		if res.RowsAffected > 0 {
			return fields, true, nil
		}
	}
	return nil, false, fmt.Errorf("%w: update %s/%s: write contention", ErrUnavailable, row.Collection, row.DocID)
}

// Remove deletes every matching document.
func (s *SQLStore) Remove(ctx context.Context, collection string, filter Filter) (n int64, err error) {
	defer func() { s.record("remove", err) }()

	docs, err := s.Find(ctx, collection, Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	for _, d := range docs {
		res := s.db.WithContext(ctx).
			Where("collection = ? AND doc_id = ?", collection, d.ID()).
			Delete(&models.BlackboardDocument{})
		if res.Error != nil {
			return n, unavailable("remove", res.Error)
		}
		if res.RowsAffected > 0 {
			n++
			s.publish(ChangeEvent{Collection: collection, DocumentID: d.ID(), Operation: OpRemove})
		}
	}
	return n, nil
}

// Subscribe delivers changes of field in collection. An empty field matches every change.
func (s *SQLStore) Subscribe(ctx context.Context, collection, field string, ops ...Operation) (*Subscription, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	topic := events.ChangeTopic(collection)
	src := s.broker.Subscribe(topic)

	produce := func(ctx context.Context, in chan<- ChangeEvent) {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-src:
				if !ok {
					return
				}
				ev, err := changeFromPayload(payload)
				if err != nil {
					s.logger.Warn().Err(err).Str("collection", collection).Msg("dropping malformed change event")
					continue
				}
				if !wantsOp(ops, ev.Operation) || !ev.Touches(field) {
					continue
				}
				select {
				case in <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	stop := func() { s.broker.Unsubscribe(topic, src) }

	return newSubscription(ctx, produce, stop), nil
}

// Close is a no-op; the database handle belongs to the caller.
func (s *SQLStore) Close(context.Context) error {
	return nil
}

func (s *SQLStore) publish(ev ChangeEvent) {
	fields := make([]any, len(ev.Fields))
	for i, f := range ev.Fields {
		fields[i] = f
	}
	s.broker.Publish(events.ChangeTopic(ev.Collection), events.Payload{
		"collection": ev.Collection,
		"id":         ev.DocumentID,
		"operation":  string(ev.Operation),
		"fields":     fields,
	})
}

// changeFromPayload accepts payloads built locally and payloads decoded from JSON by a
// distributed bus.
func changeFromPayload(p events.Payload) (ChangeEvent, error) {
	ev := ChangeEvent{}
	var ok bool
	if ev.Collection, ok = p["collection"].(string); !ok {
		return ev, errors.New("change event without collection")
	}
	if ev.DocumentID, ok = p["id"].(string); !ok {
		return ev, errors.New("change event without document id")
	}
	op, _ := p["operation"].(string)
	ev.Operation = Operation(op)
	switch fields := p["fields"].(type) {
	case []string:
		ev.Fields = fields
	case []any:
		for _, f := range fields {
			if name, ok := f.(string); ok {
				ev.Fields = append(ev.Fields, name)
			}
		}
	}
	return ev, nil
}

func decodeRow(row models.BlackboardDocument) (Document, error) {
	var d Document
	if err := json.Unmarshal([]byte(row.Body), &d); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", row.Collection, row.DocID, err)
	}
	return d, nil
}

func topLevelFields(d Document) []string {
	fields := make([]string, 0, len(d))
	for k := range d {
		fields = append(fields, k)
	}
	return fields
}
