package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"isp-network-api/internal/database"
	"isp-network-api/internal/models"
)

// MongoDirectory stores the directory in MongoDB. Uniqueness of live
// connections is enforced by the partial unique indexes created by
// database.EnsureIndexes; a duplicate key on insert is a conflict.
type MongoDirectory struct {
	db          *database.Database
	cells       *mongo.Collection
	zones       *mongo.Collection
	naps        *mongo.Collection
	connections *mongo.Collection
	logger      *zap.Logger
}

// NewMongoDirectory wraps an open connection and ensures its indexes
func NewMongoDirectory(ctx context.Context, db *database.Database, logger *zap.Logger) (*MongoDirectory, error) {
	if err := db.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return &MongoDirectory{
		db:          db,
		cells:       db.GetCollection(models.CellCollection),
		zones:       db.GetCollection(models.ZoneCollection),
		naps:        db.GetCollection(models.NapCollection),
		connections: db.GetCollection(models.ConnectionCollection),
		logger:      logger,
	}, nil
}

func (m *MongoDirectory) findOne(ctx context.Context, coll *mongo.Collection, kind, id string, out interface{}) error {
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.NewNotFound(kind, id)
	}
	if err != nil {
		m.logger.Error("Failed to load document", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to load %s: %w", kind, err)
	}
	return nil
}

func (m *MongoDirectory) findMany(ctx context.Context, coll *mongo.Collection, filter interface{}, sort bson.D, out interface{}) error {
	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", coll.Name(), err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", coll.Name(), err)
	}
	return nil
}

func (m *MongoDirectory) CreateCell(ctx context.Context, cell *models.Cell) error {
	if _, err := m.cells.InsertOne(ctx, cell); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.NewConflict("cell", cell.ID)
		}
		return fmt.Errorf("failed to insert cell: %w", err)
	}
	return nil
}

func (m *MongoDirectory) GetCell(ctx context.Context, id string) (*models.Cell, error) {
	var cell models.Cell
	if err := m.findOne(ctx, m.cells, "cell", id, &cell); err != nil {
		return nil, err
	}
	return &cell, nil
}

func (m *MongoDirectory) ListCells(ctx context.Context) ([]models.Cell, error) {
	var cells []models.Cell
	if err := m.findMany(ctx, m.cells, bson.M{}, bson.D{{Key: "name", Value: 1}}, &cells); err != nil {
		return nil, err
	}
	return cells, nil
}

func (m *MongoDirectory) UpdateCell(ctx context.Context, cell *models.Cell) error {
	res, err := m.cells.ReplaceOne(ctx, bson.M{"_id": cell.ID}, cell)
	if err != nil {
		return fmt.Errorf("failed to update cell: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.NewNotFound("cell", cell.ID)
	}
	return nil
}

func (m *MongoDirectory) CreateZone(ctx context.Context, zone *models.OltZone) error {
	if _, err := m.GetCell(ctx, zone.CellID); err != nil {
		return err
	}
	if _, err := m.zones.InsertOne(ctx, zone); err != nil {
		return fmt.Errorf("failed to insert zone: %w", err)
	}
	return nil
}

func (m *MongoDirectory) GetZone(ctx context.Context, id string) (*models.OltZone, error) {
	var zone models.OltZone
	if err := m.findOne(ctx, m.zones, "zone", id, &zone); err != nil {
		return nil, err
	}
	return &zone, nil
}

func (m *MongoDirectory) ListZones(ctx context.Context, cellID string) ([]models.OltZone, error) {
	var zones []models.OltZone
	if err := m.findMany(ctx, m.zones, bson.M{"cell_id": cellID}, bson.D{{Key: "name", Value: 1}}, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

func (m *MongoDirectory) DeleteZone(ctx context.Context, id string) error {
	naps, err := m.naps.CountDocuments(ctx, bson.M{"zone_id": id})
	if err != nil {
		return fmt.Errorf("failed to count naps: %w", err)
	}
	if naps > 0 {
		return models.NewValidationError("zone", "zone %s still owns NAPs", id)
	}
	res, err := m.zones.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete zone: %w", err)
	}
	if res.DeletedCount == 0 {
		return models.NewNotFound("zone", id)
	}
	return nil
}

func (m *MongoDirectory) CreateNap(ctx context.Context, nap *models.Nap) error {
	if _, err := m.GetZone(ctx, nap.ZoneID); err != nil {
		return err
	}
	if _, err := m.naps.InsertOne(ctx, nap); err != nil {
		return fmt.Errorf("failed to insert nap: %w", err)
	}
	return nil
}

func (m *MongoDirectory) GetNap(ctx context.Context, id string) (*models.Nap, error) {
	var nap models.Nap
	if err := m.findOne(ctx, m.naps, "nap", id, &nap); err != nil {
		return nil, err
	}
	return &nap, nil
}

func (m *MongoDirectory) ListNaps(ctx context.Context, zoneID string) ([]models.Nap, error) {
	var naps []models.Nap
	if err := m.findMany(ctx, m.naps, bson.M{"zone_id": zoneID}, bson.D{{Key: "name", Value: 1}}, &naps); err != nil {
		return nil, err
	}
	return naps, nil
}

func (m *MongoDirectory) liveConnections(ctx context.Context, filter bson.M) ([]models.Connection, error) {
	filter["live"] = true
	var conns []models.Connection
	if err := m.findMany(ctx, m.connections, filter, bson.D{{Key: "created_at", Value: 1}}, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

func (m *MongoDirectory) ListPortOccupancy(ctx context.Context, napID string) (models.PortOccupancy, error) {
	conns, err := m.liveConnections(ctx, bson.M{"nap_id": napID})
	if err != nil {
		return nil, err
	}
	occ := make(models.PortOccupancy, len(conns))
	for i := range conns {
		occ[conns[i].PortNumber] = conns[i].Binding()
	}
	return occ, nil
}

func (m *MongoDirectory) ListBindingsForCell(ctx context.Context, cellID string) ([]models.Binding, error) {
	conns, err := m.liveConnections(ctx, bson.M{"cell_id": cellID})
	if err != nil {
		return nil, err
	}
	bindings := make([]models.Binding, 0, len(conns))
	for i := range conns {
		bindings = append(bindings, conns[i].Binding())
	}
	return bindings, nil
}

func (m *MongoDirectory) CommitConnection(ctx context.Context, conn *models.Connection) error {
	or := bson.A{bson.M{"cell_id": conn.CellID, "ip_address": conn.IPAddress}}
	if conn.NapID != "" {
		or = append(or, bson.M{"nap_id": conn.NapID, "port_number": conn.PortNumber})
	}
	if conn.CpeID != "" {
		or = append(or, bson.M{"cpe_id": conn.CpeID})
	}
	if conn.MACAddress != "" {
		or = append(or, bson.M{"mac_address": conn.MACAddress})
	}
	existing, err := m.liveConnections(ctx, bson.M{"$or": or})
	if err != nil {
		return err
	}
	for i := range existing {
		if err := conflictFor(&existing[i], conn); err != nil {
			return err
		}
	}

	// The check above gives a precise error; the unique indexes settle races.
	if _, err := m.connections.InsertOne(ctx, conn); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			m.logger.Warn("Connection insert lost a race",
				zap.String("cell_id", conn.CellID),
				zap.String("ip_address", conn.IPAddress),
				zap.Error(err))
			return models.NewConflict("connection", conn.IPAddress)
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func (m *MongoDirectory) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var conn models.Connection
	if err := m.findOne(ctx, m.connections, "connection", id, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (m *MongoDirectory) ListConnections(ctx context.Context, filter models.ConnectionFilter) ([]models.Connection, error) {
	q := bson.M{}
	if filter.CellID != "" {
		q["cell_id"] = filter.CellID
	}
	if filter.NapID != "" {
		q["nap_id"] = filter.NapID
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.LiveOnly {
		q["live"] = true
	}
	var conns []models.Connection
	if err := m.findMany(ctx, m.connections, q, bson.D{{Key: "created_at", Value: 1}}, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

func (m *MongoDirectory) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) (*models.Connection, error) {
	current, err := m.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(current, status); err != nil {
		return nil, err
	}

	var updated models.Connection
	err = m.connections.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": current.Status},
		bson.M{"$set": bson.M{"status": status, "live": status.IsLive(), "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.NewConflict("connection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update connection status: %w", err)
	}
	return &updated, nil
}

func (m *MongoDirectory) Ping(ctx context.Context) error {
	return m.db.Client.Ping(ctx, nil)
}

func (m *MongoDirectory) Close(ctx context.Context) error {
	return m.db.Close(ctx)
}
