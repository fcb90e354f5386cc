package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/status"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotConnected = errors.New("database is not connected")

// Options MongoDB 事件日志的连接参数
type Options struct {
	URI              string
	Database         string
	AppName          string
	OperationTimeout time.Duration
	// Retention 事件保留时长，TTL索引据此过期
	Retention time.Duration
}

// MongoStore 将状态事件写入 MongoDB
type MongoStore struct {
	client           *mongo.Client
	events           *mongo.Collection
	operationTimeout time.Duration
}

type DBCloseCallback struct {
	store *MongoStore
}

func NewDBCloseCallback(store *MongoStore) *DBCloseCallback {
	return &DBCloseCallback{store: store}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return dc.store.Close(ctx)
}

func ConnectDatabase(ctx context.Context, opts Options) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}

	clientOptions := options.Client().ApplyURI(opts.URI).SetAppName(opts.AppName)
	// 节点上只需要很少的连接
	clientOptions.SetMinPoolSize(0)
	clientOptions.SetMaxPoolSize(2)
	clientOptions.SetConnectTimeout(opts.OperationTimeout)
	clientOptions.SetServerSelectionTimeout(opts.OperationTimeout)
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	store := &MongoStore{
		client:           client,
		events:           client.Database(opts.Database).Collection(EventCollectionName),
		operationTimeout: opts.OperationTimeout,
	}

	if opts.Retention > 0 {
		_, err = store.events.Indexes().CreateOne(
			connectCtx,
			mongo.IndexModel{
				Keys:    bson.D{{Key: "time", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(opts.Retention.Seconds())).SetName("status_events_time_ttl"),
			},
		)
		if err != nil {
			_ = client.Disconnect(connectCtx)
			return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}
	return store, nil
}

func (ds *MongoStore) SaveEvent(ctx context.Context, evt status.Event) error {
	if ds.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if _, err := ds.events.InsertOne(ctx, evt); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (ds *MongoStore) RecentEvents(ctx context.Context, n int) ([]status.Event, error) {
	if n <= 0 {
		return nil, ErrInvalidLimit
	}
	if ds.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	startTime := time.Now()
	cursor, err := ds.events.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "time", Value: -1}}).SetLimit(int64(n)))
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	var result []status.Event
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	logger.DebugF("event query cost: %v", time.Since(startTime))

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func (ds *MongoStore) Close(ctx context.Context) error {
	if ds.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	err := ds.client.Disconnect(ctx)
	ds.client = nil
	return err
}
