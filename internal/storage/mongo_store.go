package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/treefix50/watchguard/internal/progress"
)

const progressCollection = "progress"

type MongoOptions struct {
	URI              string
	Database         string
	AppName          string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	MaxPoolSize      uint64
	Logger           *slog.Logger
}

// MongoStore keeps saved progress in a MongoDB collection, one document per
// (video_id, user_id).
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	now     func() time.Time
}

type progressDocument struct {
	VideoID   string    `bson:"video_id"`
	UserID    string    `bson:"user_id"`
	TimeStamp float64   `bson:"time_stamp"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// OpenMongo connects, pings and makes sure the unique progress index exists.
func OpenMongo(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("storage: mongo uri is empty")
	}
	if opts.Database == "" {
		opts.Database = "watchguard"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	clientOptions := options.Client().
		ApplyURI(opts.URI).
		SetAppName(opts.AppName).
		SetConnectTimeout(opts.ConnectTimeout)
	if opts.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				log.Debug("mongo connection created", "address", evt.Address)
			case event.ConnectionClosed:
				log.Debug("mongo connection closed", "address", evt.Address, "reason", evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("storage: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("storage: ping mongo: %w", err)
	}

	coll := client.Database(opts.Database).Collection(progressCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "video_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("progress_video_user_unique"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("storage: create progress index: %w", err)
	}

	return &MongoStore{client: client, coll: coll, timeout: opts.OperationTimeout, now: time.Now}, nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) SaveProgress(ctx context.Context, userID, videoID string, timeStamp float64) error {
	if timeStamp < 0 {
		return fmt.Errorf("storage: negative timestamp %v for %s", timeStamp, videoID)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	doc := progressDocument{VideoID: videoID, UserID: userID, TimeStamp: timeStamp, UpdatedAt: m.now().UTC()}
	filter := bson.D{{Key: "video_id", Value: videoID}, {Key: "user_id", Value: userID}}
	if _, err := m.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("storage: save progress %s: %w", videoID, err)
	}
	return nil
}

func (m *MongoStore) GetProgress(ctx context.Context, userID, videoID string) (progress.Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var doc progressDocument
	filter := bson.D{{Key: "video_id", Value: videoID}, {Key: "user_id", Value: userID}}
	err := m.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return progress.Entry{}, false, nil
	}
	if err != nil {
		return progress.Entry{}, false, fmt.Errorf("storage: get progress %s: %w", videoID, err)
	}
	return doc.entry(), true, nil
}

func (m *MongoStore) ListProgress(ctx context.Context, userID string) ([]progress.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "video_id", Value: 1}})
	cur, err := m.coll.Find(ctx, bson.D{{Key: "user_id", Value: userID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: list progress: %w", err)
	}
	defer cur.Close(ctx)

	var docs []progressDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("storage: list progress: %w", err)
	}
	entries := make([]progress.Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.entry())
	}
	return entries, nil
}

func (d progressDocument) entry() progress.Entry {
	return progress.Entry{VideoID: d.VideoID, TimeStamp: d.TimeStamp, UpdatedAt: d.UpdatedAt.UTC()}
}
