package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
	"vendlink/internal/liaison"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrDuplicateMachine = errors.New("vending machine already exists")

// Mode codes as stored in vending_machines.vm_mode
const (
	modeCodeIdle        = "i"
	modeCodeRestocking  = "r"
	modeCodeTransacting = "t"
)

// VendingMachine is a row of the vending_machines table
type VendingMachine struct {
	ID          string             `json:"vm_id"`
	Name        string             `json:"vm_name"`
	OrgID       string             `json:"org_id"`
	Mode        liaison.DeviceMode `json:"vm_mode"`
	RowCount    int                `json:"vm_row_count"`
	ColumnCount int                `json:"vm_column_count"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Database handles vending machine persistence on SQLite or PostgreSQL
type Database struct {
	db      *sql.DB
	driver  string
	timeout time.Duration
}

// NewDatabase opens the database and creates the schema if needed
func NewDatabase(driver, dsn string, maxConnections int) (*Database, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConnections > 0 {
		db.SetMaxOpenConns(maxConnections)
	}

	database := &Database{db: db, driver: driver}

	// Initialize database schema
	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// SetQueryTimeout bounds every store call. Zero leaves calls bounded only
// by the caller's context.
func (d *Database) SetQueryTimeout(timeout time.Duration) {
	d.timeout = timeout
}

func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks that the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.db.PingContext(ctx)
}

// initSchema creates the database tables
func (d *Database) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS vending_machines (
			vm_id TEXT PRIMARY KEY,
			vm_name TEXT NOT NULL,
			org_id TEXT,
			vm_mode CHAR(1) NOT NULL DEFAULT 'i',
			vm_row_count INTEGER NOT NULL DEFAULT 0,
			vm_column_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vending_machines_org_id ON vending_machines(org_id)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (d *Database) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateVendingMachine inserts a new machine in idle mode. An existing id
// yields ErrDuplicateMachine, including when two creates race.
func (d *Database) CreateVendingMachine(ctx context.Context, vm *VendingMachine) (*VendingMachine, error) {
	if vm.ID == "" {
		return nil, liaison.ErrEmptyHardwareID
	}

	insertCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := d.rebind(`INSERT INTO vending_machines (vm_id, vm_name, org_id, vm_mode, vm_row_count, vm_column_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (vm_id) DO NOTHING`)
	result, err := d.db.ExecContext(insertCtx, query, vm.ID, vm.Name, vm.OrgID, modeCodeIdle, vm.RowCount, vm.ColumnCount)
	if err != nil {
		return nil, fmt.Errorf("failed to create vending machine: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return nil, ErrDuplicateMachine
	}

	return d.GetVendingMachine(ctx, vm.ID)
}

// GetVendingMachine returns liaison.ErrDeviceNotFound for unknown ids
func (d *Database) GetVendingMachine(ctx context.Context, id string) (*VendingMachine, error) {
	query := d.rebind(`SELECT vm_id, vm_name, org_id, vm_mode, vm_row_count, vm_column_count, created_at
		FROM vending_machines WHERE vm_id = ?`)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var vm VendingMachine
	var orgID sql.NullString
	var code string
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&vm.ID, &vm.Name, &orgID, &code, &vm.RowCount, &vm.ColumnCount, &vm.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, liaison.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vending machine: %w", err)
	}

	vm.OrgID = orgID.String
	vm.Mode, err = modeFromCode(code)
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// GetDeviceMode reads the current mode of one machine
func (d *Database) GetDeviceMode(ctx context.Context, id string) (liaison.DeviceMode, error) {
	query := d.rebind(`SELECT vm_mode FROM vending_machines WHERE vm_id = ?`)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var code string
	err := d.db.QueryRowContext(ctx, query, id).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", liaison.ErrDeviceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get device mode: %w", err)
	}
	return modeFromCode(code)
}

// SetDeviceMode updates the mode of one machine
func (d *Database) SetDeviceMode(ctx context.Context, id string, mode liaison.DeviceMode) error {
	code, err := modeToCode(mode)
	if err != nil {
		return err
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := d.rebind(`UPDATE vending_machines SET vm_mode = ? WHERE vm_id = ?`)
	result, err := d.db.ExecContext(ctx, query, code, id)
	if err != nil {
		return fmt.Errorf("failed to update device mode: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return liaison.ErrDeviceNotFound
	}
	return nil
}

func modeFromCode(code string) (liaison.DeviceMode, error) {
	switch strings.TrimSpace(code) {
	case modeCodeIdle:
		return liaison.ModeIdle, nil
	case modeCodeRestocking:
		return liaison.ModeRestocking, nil
	case modeCodeTransacting:
		return liaison.ModeTransacting, nil
	}
	return "", fmt.Errorf("unknown vm_mode %q", code)
}

func modeToCode(mode liaison.DeviceMode) (string, error) {
	switch mode {
	case liaison.ModeIdle:
		return modeCodeIdle, nil
	case liaison.ModeRestocking:
		return modeCodeRestocking, nil
	case liaison.ModeTransacting:
		return modeCodeTransacting, nil
	}
	return "", fmt.Errorf("unknown device mode %q", mode)
}
