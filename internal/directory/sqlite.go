package directory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"isp-network-api/internal/models"
)

//go:embed migrations/*.sql
var migFS embed.FS

const connColumns = `id, type, subscriber_id, subscriber_name, cell_id, plan_id, ip_address, status,
	zone_id, nap_id, port_number, pppoe_username, cpe_id, router_id, mac_address, live, created_at, updated_at`

// SQLDirectory stores the directory in a SQLite database. Partial unique
// indexes on live connections back up the transactional re-check in
// CommitConnection.
type SQLDirectory struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations
func OpenSQLite(ctx context.Context, path string) (*SQLDirectory, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions
	// serialised instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach sqlite database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	return &SQLDirectory{db: db}, nil
}

func sqliteDSN(raw string) string {
	if strings.Contains(raw, "_pragma=foreign_keys") {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return err
	}

	entries, err := migFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, "migrations/"+entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		version, err := migrationVersion(file)
		if err != nil {
			return err
		}
		var applied int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version=?`, version).Scan(&applied); err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		body, err := migFS.ReadFile(file)
		if err != nil {
			return err
		}
		for _, part := range strings.Split(string(body), ";") {
			stmt := strings.TrimSpace(part)
			if stmt == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

func migrationVersion(path string) (int, error) {
	base := filepath.Base(path)
	end := 0
	for end < len(base) && base[end] >= '0' && base[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("invalid migration name: %s", path)
	}
	return strconv.Atoi(base[:end])
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout has fixed-width fractions so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLDirectory) CreateCell(ctx context.Context, cell *models.Cell) error {
	router, olt, ranges, plans, err := encodeCell(cell)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cells
		(id, name, cell_type, assignment, router, olt, ranges, plan_ids, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cell.ID, cell.Name, string(cell.CellType), string(cell.Assignment), router, nullable(olt), ranges, plans,
		boolInt(cell.Active), formatTime(cell.CreatedAt), formatTime(cell.UpdatedAt))
	if isUniqueViolation(err) {
		return models.NewConflict("cell", cell.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert cell: %w", err)
	}
	return nil
}

func encodeCell(cell *models.Cell) (router, olt, ranges, plans string, err error) {
	b, err := json.Marshal(cell.Router)
	if err != nil {
		return "", "", "", "", err
	}
	router = string(b)
	if cell.OLT != nil {
		b, err = json.Marshal(cell.OLT)
		if err != nil {
			return "", "", "", "", err
		}
		olt = string(b)
	}
	if b, err = json.Marshal(cell.Ranges); err != nil {
		return "", "", "", "", err
	}
	ranges = string(b)
	if cell.PlanIDs == nil {
		plans = "[]"
	} else if b, err = json.Marshal(cell.PlanIDs); err != nil {
		return "", "", "", "", err
	} else {
		plans = string(b)
	}
	return router, olt, ranges, plans, nil
}

func scanCell(row rowScanner) (*models.Cell, error) {
	var (
		cell                  models.Cell
		router, ranges, plans string
		olt                   sql.NullString
		createdAt, updatedAt  string
	)
	if err := row.Scan(&cell.ID, &cell.Name, &cell.CellType, &cell.Assignment, &router, &olt,
		&ranges, &plans, &cell.Active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(router), &cell.Router); err != nil {
		return nil, fmt.Errorf("corrupt router column of cell %s: %w", cell.ID, err)
	}
	if olt.Valid && olt.String != "" {
		cell.OLT = &models.DeviceCredentials{}
		if err := json.Unmarshal([]byte(olt.String), cell.OLT); err != nil {
			return nil, fmt.Errorf("corrupt olt column of cell %s: %w", cell.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(ranges), &cell.Ranges); err != nil {
		return nil, fmt.Errorf("corrupt ranges column of cell %s: %w", cell.ID, err)
	}
	if err := json.Unmarshal([]byte(plans), &cell.PlanIDs); err != nil {
		return nil, fmt.Errorf("corrupt plan_ids column of cell %s: %w", cell.ID, err)
	}
	if len(cell.PlanIDs) == 0 {
		cell.PlanIDs = nil
	}
	cell.CreatedAt = parseTime(createdAt)
	cell.UpdatedAt = parseTime(updatedAt)
	return &cell, nil
}

const cellColumns = `id, name, cell_type, assignment, router, olt, ranges, plan_ids, active, created_at, updated_at`

func (s *SQLDirectory) GetCell(ctx context.Context, id string) (*models.Cell, error) {
	cell, err := scanCell(s.db.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("cell", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cell: %w", err)
	}
	return cell, nil
}

func (s *SQLDirectory) ListCells(ctx context.Context) ([]models.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cellColumns+` FROM cells ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}
	defer rows.Close()

	var cells []models.Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, *cell)
	}
	return cells, rows.Err()
}

func (s *SQLDirectory) UpdateCell(ctx context.Context, cell *models.Cell) error {
	router, olt, ranges, plans, err := encodeCell(cell)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE cells SET name = ?, cell_type = ?, assignment = ?, router = ?,
		olt = ?, ranges = ?, plan_ids = ?, active = ?, updated_at = ? WHERE id = ?`,
		cell.Name, string(cell.CellType), string(cell.Assignment), router, nullable(olt), ranges, plans,
		boolInt(cell.Active), formatTime(cell.UpdatedAt), cell.ID)
	if err != nil {
		return fmt.Errorf("failed to update cell: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFound("cell", cell.ID)
	}
	return nil
}

func (s *SQLDirectory) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+` WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *SQLDirectory) CreateZone(ctx context.Context, zone *models.OltZone) error {
	ok, err := s.exists(ctx, "cells", zone.CellID)
	if err != nil {
		return fmt.Errorf("failed to check cell: %w", err)
	}
	if !ok {
		return models.NewNotFound("cell", zone.CellID)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO olt_zones (id, cell_id, name, slot_port, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		zone.ID, zone.CellID, zone.Name, zone.SlotPort, formatTime(zone.CreatedAt), formatTime(zone.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert zone: %w", err)
	}
	return nil
}

func scanZone(row rowScanner) (*models.OltZone, error) {
	var (
		z                    models.OltZone
		createdAt, updatedAt string
	)
	if err := row.Scan(&z.ID, &z.CellID, &z.Name, &z.SlotPort, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	z.CreatedAt = parseTime(createdAt)
	z.UpdatedAt = parseTime(updatedAt)
	return &z, nil
}

func (s *SQLDirectory) GetZone(ctx context.Context, id string) (*models.OltZone, error) {
	zone, err := scanZone(s.db.QueryRowContext(ctx,
		`SELECT id, cell_id, name, slot_port, created_at, updated_at FROM olt_zones WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("zone", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load zone: %w", err)
	}
	return zone, nil
}

func (s *SQLDirectory) ListZones(ctx context.Context, cellID string) ([]models.OltZone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cell_id, name, slot_port, created_at, updated_at FROM olt_zones WHERE cell_id = ? ORDER BY name`, cellID)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var zones []models.OltZone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

func (s *SQLDirectory) DeleteZone(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var naps int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM naps WHERE zone_id = ?`, id).Scan(&naps); err != nil {
		return fmt.Errorf("failed to count naps: %w", err)
	}
	if naps > 0 {
		return models.NewValidationError("zone", "zone %s still owns NAPs", id)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM olt_zones WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete zone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFound("zone", id)
	}
	return tx.Commit()
}

func (s *SQLDirectory) CreateNap(ctx context.Context, nap *models.Nap) error {
	ok, err := s.exists(ctx, "olt_zones", nap.ZoneID)
	if err != nil {
		return fmt.Errorf("failed to check zone: %w", err)
	}
	if !ok {
		return models.NewNotFound("zone", nap.ZoneID)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO naps (id, zone_id, cell_id, name, location, total_ports, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nap.ID, nap.ZoneID, nap.CellID, nap.Name, nap.Location, nap.TotalPorts,
		formatTime(nap.CreatedAt), formatTime(nap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert nap: %w", err)
	}
	return nil
}

func scanNap(row rowScanner) (*models.Nap, error) {
	var (
		n                    models.Nap
		createdAt, updatedAt string
	)
	if err := row.Scan(&n.ID, &n.ZoneID, &n.CellID, &n.Name, &n.Location, &n.TotalPorts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}

const napColumns = `id, zone_id, cell_id, name, location, total_ports, created_at, updated_at`

func (s *SQLDirectory) GetNap(ctx context.Context, id string) (*models.Nap, error) {
	nap, err := scanNap(s.db.QueryRowContext(ctx, `SELECT `+napColumns+` FROM naps WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("nap", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load nap: %w", err)
	}
	return nap, nil
}

func (s *SQLDirectory) ListNaps(ctx context.Context, zoneID string) ([]models.Nap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+napColumns+` FROM naps WHERE zone_id = ? ORDER BY name`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to list naps: %w", err)
	}
	defer rows.Close()

	var naps []models.Nap
	for rows.Next() {
		n, err := scanNap(rows)
		if err != nil {
			return nil, err
		}
		naps = append(naps, *n)
	}
	return naps, rows.Err()
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var (
		c                    models.Connection
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.Type, &c.SubscriberID, &c.SubscriberName, &c.CellID, &c.PlanID,
		&c.IPAddress, &c.Status, &c.ZoneID, &c.NapID, &c.PortNumber, &c.PPPoEUsername, &c.CpeID,
		&c.RouterID, &c.MACAddress, &c.Live, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *SQLDirectory) queryConnections(ctx context.Context, where string, args ...interface{}) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connColumns+` FROM connections WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func (s *SQLDirectory) ListPortOccupancy(ctx context.Context, napID string) (models.PortOccupancy, error) {
	conns, err := s.queryConnections(ctx, `live = 1 AND nap_id = ?`, napID)
	if err != nil {
		return nil, err
	}
	occ := make(models.PortOccupancy, len(conns))
	for i := range conns {
		occ[conns[i].PortNumber] = conns[i].Binding()
	}
	return occ, nil
}

func (s *SQLDirectory) ListBindingsForCell(ctx context.Context, cellID string) ([]models.Binding, error) {
	conns, err := s.queryConnections(ctx, `live = 1 AND cell_id = ?`, cellID)
	if err != nil {
		return nil, err
	}
	bindings := make([]models.Binding, 0, len(conns))
	for i := range conns {
		bindings = append(bindings, conns[i].Binding())
	}
	return bindings, nil
}

func (s *SQLDirectory) CommitConnection(ctx context.Context, conn *models.Connection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+connColumns+` FROM connections
		WHERE id = ? OR (live = 1 AND ((cell_id = ? AND ip_address = ?)
			OR (nap_id <> '' AND nap_id = ? AND port_number = ?)
			OR (cpe_id <> '' AND cpe_id = ?)
			OR (mac_address <> '' AND mac_address = ?)))`,
		conn.ID, conn.CellID, conn.IPAddress, conn.NapID, conn.PortNumber, conn.CpeID, conn.MACAddress)
	if err != nil {
		return fmt.Errorf("failed to check conflicts: %w", err)
	}
	var conflict error
	for rows.Next() && conflict == nil {
		existing, err := scanConnection(rows)
		if err != nil {
			rows.Close()
			return err
		}
		if existing.ID == conn.ID {
			conflict = models.NewConflict("connection", conn.ID)
			break
		}
		conflict = conflictFor(existing, conn)
	}
	rows.Close()
	if conflict != nil {
		return conflict
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO connections (`+connColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, string(conn.Type), conn.SubscriberID, conn.SubscriberName, conn.CellID, conn.PlanID,
		conn.IPAddress, string(conn.Status), conn.ZoneID, conn.NapID, conn.PortNumber, conn.PPPoEUsername,
		conn.CpeID, conn.RouterID, conn.MACAddress, boolInt(conn.Live), formatTime(conn.CreatedAt), formatTime(conn.UpdatedAt))
	if isUniqueViolation(err) {
		return models.NewConflict("connection", conn.IPAddress)
	}
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return tx.Commit()
}

func (s *SQLDirectory) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	conn, err := scanConnection(s.db.QueryRowContext(ctx, `SELECT `+connColumns+` FROM connections WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("connection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return conn, nil
}

func (s *SQLDirectory) ListConnections(ctx context.Context, filter models.ConnectionFilter) ([]models.Connection, error) {
	where := []string{"1 = 1"}
	var args []interface{}
	if filter.CellID != "" {
		where = append(where, "cell_id = ?")
		args = append(args, filter.CellID)
	}
	if filter.NapID != "" {
		where = append(where, "nap_id = ?")
		args = append(args, filter.NapID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.LiveOnly {
		where = append(where, "live = 1")
	}
	return s.queryConnections(ctx, strings.Join(where, " AND "), args...)
}

func (s *SQLDirectory) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) (*models.Connection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	conn, err := scanConnection(tx.QueryRowContext(ctx, `SELECT `+connColumns+` FROM connections WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("connection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if err := checkTransition(conn, status); err != nil {
		return nil, err
	}

	previous := conn.Status
	conn.Status = status
	conn.Live = status.IsLive()
	conn.UpdatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE connections SET status = ?, live = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(conn.Status), boolInt(conn.Live), formatTime(conn.UpdatedAt), id, string(previous))
	if isUniqueViolation(err) {
		return nil, models.NewConflict("address", conn.IPAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.NewConflict("connection", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status change: %w", err)
	}
	return conn, nil
}

func (s *SQLDirectory) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLDirectory) Close(ctx context.Context) error {
	return s.db.Close()
}
