package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"isp-network-api/internal/models"
)

type Database struct {
	Client *mongo.Client
	DB     *mongo.Database
	logger *zap.Logger
}

func NewConnection(ctx context.Context, uri, dbName string, logger *zap.Logger) (*Database, error) {
	// Set connection timeout
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping MongoDB to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Successfully connected to MongoDB", zap.String("database", dbName))

	return &Database{
		Client: client,
		DB:     client.Database(dbName),
		logger: logger,
	}, nil
}

// EnsureIndexes creates the lookup indexes and the partial unique indexes
// that keep live connections from sharing an address, a port, a CPE or a MAC
func (d *Database) EnsureIndexes(ctx context.Context) error {
	live := bson.M{"live": true}

	indexes := map[string][]mongo.IndexModel{
		models.ZoneCollection: {
			{Keys: bson.D{{Key: "cell_id", Value: 1}, {Key: "name", Value: 1}}},
		},
		models.NapCollection: {
			{Keys: bson.D{{Key: "zone_id", Value: 1}, {Key: "name", Value: 1}}},
		},
		models.ConnectionCollection: {
			{Keys: bson.D{{Key: "cell_id", Value: 1}, {Key: "live", Value: 1}}},
			{
				Keys: bson.D{{Key: "cell_id", Value: 1}, {Key: "ip_address", Value: 1}},
				Options: options.Index().SetName("ux_live_cell_ip").SetUnique(true).
					SetPartialFilterExpression(live),
			},
			{
				Keys: bson.D{{Key: "nap_id", Value: 1}, {Key: "port_number", Value: 1}},
				Options: options.Index().SetName("ux_live_nap_port").SetUnique(true).
					SetPartialFilterExpression(bson.M{"live": true, "nap_id": bson.M{"$type": "string"}}),
			},
			{
				Keys: bson.D{{Key: "cpe_id", Value: 1}},
				Options: options.Index().SetName("ux_live_cpe").SetUnique(true).
					SetPartialFilterExpression(bson.M{"live": true, "cpe_id": bson.M{"$type": "string"}}),
			},
			{
				Keys: bson.D{{Key: "mac_address", Value: 1}},
				Options: options.Index().SetName("ux_live_mac").SetUnique(true).
					SetPartialFilterExpression(bson.M{"live": true, "mac_address": bson.M{"$type": "string"}}),
			},
		},
	}

	for collection, specs := range indexes {
		if _, err := d.DB.Collection(collection).Indexes().CreateMany(ctx, specs); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
		}
		d.logger.Debug("Indexes ensured", zap.String("collection", collection), zap.Int("count", len(specs)))
	}
	return nil
}

func (d *Database) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.Client.Disconnect(ctx); err != nil {
		d.logger.Error("Error disconnecting from MongoDB", zap.Error(err))
		return err
	}
	d.logger.Info("Successfully disconnected from MongoDB")
	return nil
}

func (d *Database) GetCollection(name string) *mongo.Collection {
	return d.DB.Collection(name)
}
