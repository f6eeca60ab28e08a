// Package source reads change events from external databases for relays.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/relay"
)

var logger = loggo.GetLogger("feldera.source")

// MongoDBSource implements the relay.Source interface for MongoDB
type MongoDBSource struct {
	uri         string
	database    string
	collection  string
	initialSync InitialSyncConfig
	client      *mongo.Client
	logger      loggo.Logger
}

// InitialSyncConfig contains configuration for initial sync
type InitialSyncConfig struct {
	Enabled        bool
	TimestampField string
	FromTimestamp  interface{}
	BatchSize      int
}

// NewMongoDBSource creates a new MongoDB source
func NewMongoDBSource(uri, database, collection string, initialSync InitialSyncConfig) *MongoDBSource {
	return &MongoDBSource{
		uri:         uri,
		database:    database,
		collection:  collection,
		initialSync: initialSync,
		logger:      logger,
	}
}

// Connect establishes connection to MongoDB
func (m *MongoDBSource) Connect(ctx context.Context) error {
	m.logger.Infof("connecting to MongoDB database %s", m.database)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(m.uri))
	if err != nil {
		return errors.Annotate(err, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return errors.Annotate(err, "failed to ping MongoDB")
	}

	m.client = client
	m.logger.Infof("connected to MongoDB")
	return nil
}

// Read emits the existing documents first when initial sync is enabled, then
// change events. The change stream is opened before the initial scan so no
// change is lost in between; documents changed during the scan may be seen
// twice.
func (m *MongoDBSource) Read(ctx context.Context) (<-chan relay.Event, <-chan error) {
	events := make(chan relay.Event)
	errs := make(chan error)

	go func() {
		defer close(events)
		defer close(errs)

		collection := m.client.Database(m.database).Collection(m.collection)
		opts := options.ChangeStream().
			SetFullDocument(options.UpdateLookup).
			SetFullDocumentBeforeChange(options.WhenAvailable)

		m.logger.Infof("starting change stream for %s.%s", m.database, m.collection)
		stream, err := collection.Watch(ctx, mongo.Pipeline{}, opts)
		if err != nil {
			send(ctx, errs, errors.Annotate(err, "failed to create change stream"))
			return
		}
		defer stream.Close(context.Background())

		if m.initialSync.Enabled {
			if err := m.sync(ctx, collection, events); err != nil {
				send(ctx, errs, err)
				return
			}
		}

		for stream.Next(ctx) {
			var changeDoc bson.M
			if err := stream.Decode(&changeDoc); err != nil {
				send(ctx, errs, errors.Annotate(err, "failed to decode change event"))
				continue
			}
			if !send(ctx, events, m.convertChangeEvent(changeDoc)) {
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			send(ctx, errs, errors.Annotate(err, "change stream error"))
		}
	}()

	return events, errs
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// sync emits every matching document as an insert.
func (m *MongoDBSource) sync(ctx context.Context, collection *mongo.Collection, events chan<- relay.Event) error {
	cfg := m.initialSync
	filter := bson.M{}
	if cfg.TimestampField != "" && cfg.FromTimestamp != nil {
		filter[cfg.TimestampField] = bson.M{"$gte": cfg.FromTimestamp}
		m.logger.Infof("starting initial sync from %v on field %s", cfg.FromTimestamp, cfg.TimestampField)
	} else {
		m.logger.Infof("starting full initial sync for %s.%s", m.database, m.collection)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	opts := options.Find().SetBatchSize(int32(batchSize))
	if cfg.TimestampField != "" {
		opts.SetSort(bson.D{bson.E{Key: cfg.TimestampField, Value: 1}})
	}

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return errors.Annotate(err, "failed to query MongoDB for initial sync")
	}
	defer cursor.Close(context.Background())

	count := 0
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return errors.Annotate(err, "failed to decode document")
		}
		if !send(ctx, events, m.documentEvent(doc)) {
			return ctx.Err()
		}
		count++
		if count%1000 == 0 {
			m.logger.Debugf("initial sync progress: %d documents", count)
		}
	}
	if err := cursor.Err(); err != nil {
		return errors.Annotate(err, "cursor error during initial sync")
	}
	m.logger.Infof("initial sync completed: %d documents", count)
	return nil
}

func (m *MongoDBSource) documentEvent(doc bson.M) relay.Event {
	return relay.Event{
		ID:         fmt.Sprintf("%v", convertValue(doc["_id"])),
		Timestamp:  time.Now(),
		Operation:  "insert",
		Source:     "mongodb",
		Database:   m.database,
		Collection: m.collection,
		Data:       convertBSONToMap(doc),
	}
}

// convertChangeEvent converts a change stream document into a relay event.
// Updates carry the pre-image as Before when the collection records one;
// deletes without a pre-image carry the document key.
func (m *MongoDBSource) convertChangeEvent(changeDoc bson.M) relay.Event {
	event := relay.Event{
		Source:     "mongodb",
		Database:   m.database,
		Collection: m.collection,
		Timestamp:  time.Now(),
	}

	if id, ok := changeDoc["_id"].(bson.M); ok {
		event.ID = fmt.Sprintf("%v", id["_data"])
	}
	if opType, ok := changeDoc["operationType"].(string); ok {
		event.Operation = opType
	}
	if ts, ok := changeDoc["clusterTime"].(primitive.Timestamp); ok {
		event.Timestamp = time.Unix(int64(ts.T), 0).UTC()
	}
	if fullDoc, ok := changeDoc["fullDocument"].(bson.M); ok {
		event.Data = convertBSONToMap(fullDoc)
	}
	if before, ok := changeDoc["fullDocumentBeforeChange"].(bson.M); ok {
		event.Before = convertBSONToMap(before)
	}

	if updateDesc, ok := changeDoc["updateDescription"].(bson.M); ok && event.Data == nil {
		if updatedFields, ok := updateDesc["updatedFields"].(bson.M); ok {
			event.Data = convertBSONToMap(updatedFields)
		}
	}
	if event.Operation == "delete" && event.Before == nil {
		if key, ok := changeDoc["documentKey"].(bson.M); ok {
			event.Before = convertBSONToMap(key)
		}
	}
	return event
}

// convertBSONToMap converts a BSON document to plain Go values.
func convertBSONToMap(doc bson.M) map[string]interface{} {
	result := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		result[k] = convertValue(v)
	}
	return result
}

func convertValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return t.Data
	case bson.M:
		return convertBSONToMap(t)
	case bson.D:
		return convertBSONToMap(t.Map())
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = convertValue(e)
		}
		return out
	}
	return v
}

// Close closes the MongoDB connection
func (m *MongoDBSource) Close() error {
	if m.client == nil {
		return nil
	}
	m.logger.Infof("closing MongoDB connection")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// GetLatestTimestamp retrieves the latest value of timestampField in the
// collection, or nil for an empty collection.
func (m *MongoDBSource) GetLatestTimestamp(ctx context.Context, timestampField string) (interface{}, error) {
	if timestampField == "" {
		return nil, errors.NotValidf("empty timestamp field")
	}

	collection := m.client.Database(m.database).Collection(m.collection)
	opts := options.FindOne().SetSort(bson.D{bson.E{Key: timestampField, Value: -1}})
	var result bson.M
	err := collection.FindOne(ctx, bson.M{}, opts).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "failed to get latest timestamp")
	}

	timestamp, ok := result[timestampField]
	if !ok {
		return nil, errors.NotFoundf("timestamp field %q in document", timestampField)
	}
	return convertValue(timestamp), nil
}
