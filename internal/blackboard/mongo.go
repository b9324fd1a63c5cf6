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
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// MongoStore keeps documents in MongoDB. Subscriptions use change streams, which require a
// replica set or sharded cluster.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
	owned    bool
	logger   zerolog.Logger
}

// ConnectMongo dials MongoDB, verifies the connection and prepares indexes.
func ConnectMongo(ctx context.Context, uri, database string, logger zerolog.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, unavailable("ping", err)
	}

	store := NewMongoStore(client, database, logger)
	store.owned = true
	if err := store.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	store.logger.Info().Str("database", database).Msg("mongo blackboard connected")
	return store, nil
}

// NewMongoStore wraps an existing client; Close leaves it connected.
func NewMongoStore(client *mongo.Client, database string, logger zerolog.Logger) *MongoStore {
	return &MongoStore{
		client:   client,
		database: client.Database(database),
		logger:   logger.With().Str("component", "blackboard").Str("backend", "mongo").Logger(),
	}
}

func (m *MongoStore) createIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		models.CollectionProductSteps: {
			{Keys: bson.D{{Key: "equiplet_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "index", Value: 1}}},
		},
		models.CollectionDirectory: {
			{Keys: bson.D{{Key: "capabilities", Value: 1}}},
		},
		models.CollectionProducts: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "submitted_at", Value: 1}}},
		},
	}
	for collection, idx := range indexes {
		if _, err := m.database.Collection(collection).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create %s indexes: %w", collection, err)
		}
	}
	return nil
}

func (m *MongoStore) record(op string, err error) {
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
	telemetry.BlackboardOperationsTotal.WithLabelValues("mongo", op, result).Inc()
}

// Insert stores doc and returns its id.
func (m *MongoStore) Insert(ctx context.Context, collection string, doc any) (id string, err error) {
	defer func() { m.record("insert", err) }()

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

	if _, err := m.database.Collection(collection).InsertOne(ctx, bson.M(d)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: %s/%s", ErrDuplicateKey, collection, id)
		}
		return "", unavailable("insert", err)
	}
	return id, nil
}

// Find returns matching documents in query order.
func (m *MongoStore) Find(ctx context.Context, collection string, q Query) (docs []Document, err error) {
	defer func() { m.record("find", err) }()

	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	opts := options.Find()
	if len(q.Sort) > 0 {
		sortDoc := bson.D{}
		for _, f := range q.Sort {
			dir := 1
			if f.Desc {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: f.Field, Value: dir})
		}
		opts.SetSort(sortDoc)
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.database.Collection(collection).Find(ctx, toBSONFilter(q.Filter), opts)
	if err != nil {
		return nil, unavailable("find", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		d, err := fromRaw(cursor.Current)
		if err != nil {
			m.logger.Warn().Err(err).Str("collection", collection).Msg("skipping unreadable document")
			continue
		}
		docs = append(docs, d)
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable("find", err)
	}
	return docs, nil
}

// Get returns a single document.
func (m *MongoStore) Get(ctx context.Context, collection, id string) (Document, error) {
	docs, err := m.Find(ctx, collection, Query{Filter: ByID(id), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return docs[0], nil
}

// Update sets the fields of patch on every matching document.
func (m *MongoStore) Update(ctx context.Context, collection string, filter Filter, patch map[string]any) (n int64, err error) {
	defer func() { m.record("update", err) }()

	if err := ValidateCollection(collection); err != nil {
		return 0, err
	}
	set, err := normalize(patch)
	if err != nil {
		return 0, err
	}
	delete(set, IDField)
	if len(set) == 0 {
		return 0, errors.New("empty patch")
	}

	res, err := m.database.Collection(collection).UpdateMany(ctx, toBSONFilter(filter), bson.M{"$set": bson.M(set)})
	if err != nil {
		return 0, unavailable("update", err)
	}
	if res.MatchedCount == 0 {
		return 0, fmt.Errorf("%w: %s %v", ErrNotFound, collection, filter)
	}
	return res.MatchedCount, nil
}

// Remove deletes every matching document.
func (m *MongoStore) Remove(ctx context.Context, collection string, filter Filter) (n int64, err error) {
	defer func() { m.record("remove", err) }()

	if err := ValidateCollection(collection); err != nil {
		return 0, err
	}
	res, err := m.database.Collection(collection).DeleteMany(ctx, toBSONFilter(filter))
	if err != nil {
		return 0, unavailable("remove", err)
	}
	return res.DeletedCount, nil
}

type changeStreamEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	UpdateDescription struct {
		UpdatedFields bson.M `bson:"updatedFields"`
	} `bson:"updateDescription"`
	FullDocument bson.M `bson:"fullDocument"`
}

var mongoOperations = map[Operation][]string{
	OpInsert: {"insert"},
	OpSet:    {"update", "replace"},
	OpRemove: {"delete"},
}

// Subscribe watches collection through a change stream.
func (m *MongoStore) Subscribe(ctx context.Context, collection, field string, ops ...Operation) (*Subscription, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		ops = []Operation{OpInsert, OpSet, OpRemove}
	}
	opTypes := bson.A{}
	for _, op := range ops {
		for _, t := range mongoOperations[op] {
			opTypes = append(opTypes, t)
		}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: opTypes}}}}}},
	}

	stream, err := m.database.Collection(collection).Watch(ctx, pipeline)
	if err != nil {
		return nil, unavailable("watch", err)
	}

	produce := func(ctx context.Context, in chan<- ChangeEvent) {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var raw changeStreamEvent
			if err := stream.Decode(&raw); err != nil {
				m.logger.Warn().Err(err).Str("collection", collection).Msg("dropping undecodable change event")
				continue
			}
			ev := ChangeEvent{Collection: collection, DocumentID: raw.DocumentKey.ID}
			switch raw.OperationType {
			case "insert":
				ev.Operation = OpInsert
				for k := range raw.FullDocument {
					ev.Fields = append(ev.Fields, k)
				}
			case "replace":
				ev.Operation = OpSet
				for k := range raw.FullDocument {
					ev.Fields = append(ev.Fields, k)
				}
			case "update":
				ev.Operation = OpSet
				for k := range raw.UpdateDescription.UpdatedFields {
					ev.Fields = append(ev.Fields, k)
				}
			case "delete":
				ev.Operation = OpRemove
			default:
				continue
			}
			if !ev.Touches(field) {
				continue
			}
			select {
			case in <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Str("collection", collection).Msg("change stream ended")
		}
	}

	return newSubscription(ctx, produce, nil), nil
}

// Close disconnects the client when the store opened it.
func (m *MongoStore) Close(ctx context.Context) error {
	if !m.owned {
		return nil
	}
	return m.client.Disconnect(ctx)
}

func toBSONFilter(f Filter) bson.M {
	out := bson.M{}
	for k, v := range f {
		out[k] = normalizeValue(v)
	}
	return out
}

// fromRaw converts a BSON document into the JSON document form shared with the SQL store.
func fromRaw(raw bson.Raw) (Document, error) {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert bson: %w", err)
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("convert bson: %w", err)
	}
	return d, nil
}
