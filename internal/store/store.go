// Package store persists fleet records in SQLite through gorm.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps a gorm handle with the queries fleet needs.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// every model.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("Couldn't create store directory for %s", path),
				"Check store.path in your fleet config.")
		}
	}

	dsn := path
	if path != ":memory:" {
		// busy_timeout lets concurrent workers wait on the write lock.
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't open store at %s", path),
			"Check store.path in your fleet config.")
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&model.Host{},
		&model.AgentConnection{},
		&model.HostMetricsSnapshot{},
		&model.Service{},
		&model.Application{},
		&model.ApplicationMetricsSnapshot{},
		&model.TransferProgress{},
	)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Store migration failed", "")
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for callers that need ad-hoc queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error, what string) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.New(errors.ErrNotFound, what+" not found", "")
	}
	return err
}

// Hosts

// CreateHost inserts a host.
func (s *Store) CreateHost(ctx context.Context, h *model.Host) error {
	if h.Port == 0 {
		h.Port = 22
	}
	if h.Status == "" {
		h.Status = model.HostUnknown
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A removed host keeps its row; free the name for reuse.
		if err := tx.Unscoped().Where("name = ? AND deleted_at IS NOT NULL", h.Name).Delete(&model.Host{}).Error; err != nil {
			return err
		}
		return tx.Create(h).Error
	})
}

// AddHost inserts a host together with its credentials. Either both rows
// are written or neither.
func (s *Store) AddHost(ctx context.Context, h *model.Host, conn *model.AgentConnection) error {
	var existing int64
	if err := s.db.WithContext(ctx).Model(&model.Host{}).Where("name = ?", h.Name).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return errors.New(errors.ErrConfig, fmt.Sprintf("Host '%s' already exists", h.Name),
			"Pass --update to replace its credentials, or run 'fleet hosts remove' first.")
	}

	if h.Port == 0 {
		h.Port = 22
	}
	if h.Status == "" {
		h.Status = model.HostUnknown
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("name = ? AND deleted_at IS NOT NULL", h.Name).Delete(&model.Host{}).Error; err != nil {
			return err
		}
		if err := tx.Create(h).Error; err != nil {
			return err
		}
		conn.HostID = h.ID
		if err := tx.Create(conn).Error; err != nil {
			return err
		}
		h.Connection = conn
		return nil
	})
}

// GetHost loads a host with its connection.
func (s *Store) GetHost(ctx context.Context, id uint) (*model.Host, error) {
	var h model.Host
	err := s.db.WithContext(ctx).Preload("Connection").First(&h, id).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("Host %d", id))
	}
	return &h, nil
}

// GetHostByName loads a host by its unique name.
func (s *Store) GetHostByName(ctx context.Context, name string) (*model.Host, error) {
	var h model.Host
	err := s.db.WithContext(ctx).Preload("Connection").Where("name = ?", name).First(&h).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("Host '%s'", name))
	}
	return &h, nil
}

// ListHosts returns hosts ordered by name. activeOnly filters inactive hosts.
func (s *Store) ListHosts(ctx context.Context, activeOnly bool) ([]model.Host, error) {
	var hosts []model.Host
	q := s.db.WithContext(ctx).Preload("Connection").Order("name")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// DeleteHost soft-deletes a host and removes its credentials.
func (s *Store) DeleteHost(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_id = ?", id).Delete(&model.AgentConnection{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Host{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New(errors.ErrNotFound, fmt.Sprintf("Host %d not found", id), "")
		}
		return nil
	})
}

// SetHostStatus records reachability. errMsg is cleared when online.
func (s *Store) SetHostStatus(ctx context.Context, id uint, status model.HostStatus, errMsg string) error {
	if status == model.HostOnline {
		errMsg = ""
	}
	return s.db.WithContext(ctx).Model(&model.Host{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "status_error": errMsg}).Error
}

// SetHostOSFamily records the normalized OS family.
func (s *Store) SetHostOSFamily(ctx context.Context, id uint, family string) error {
	return s.db.WithContext(ctx).Model(&model.Host{}).Where("id = ?", id).
		Update("os_family", family).Error
}

// Connections

// SaveConnection creates or replaces the credentials for a host.
func (s *Store) SaveConnection(ctx context.Context, c *model.AgentConnection) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"auth_mode", "encrypted_secret", "encrypted_passphrase", "updated_at"}),
		}).
		Create(c).Error
}

// GetConnection loads the credentials for a host.
func (s *Store) GetConnection(ctx context.Context, hostID uint) (*model.AgentConnection, error) {
	var c model.AgentConnection
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).First(&c).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("Connection for host %d", hostID))
	}
	return &c, nil
}

// TouchConnection stamps the last successful connect time.
func (s *Store) TouchConnection(ctx context.Context, hostID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.AgentConnection{}).Where("host_id = ?", hostID).
		Update("last_connected_at", at).Error
}

// Metrics

// AddHostSnapshot appends a host metrics snapshot.
func (s *Store) AddHostSnapshot(ctx context.Context, snap *model.HostMetricsSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

// LatestHostSnapshot returns the most recent snapshot for a host.
func (s *Store) LatestHostSnapshot(ctx context.Context, hostID uint) (*model.HostMetricsSnapshot, error) {
	var snap model.HostMetricsSnapshot
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).Order("recorded_at desc").First(&snap).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("Metrics for host %d", hostID))
	}
	return &snap, nil
}

// AddApplicationSnapshot appends an application metrics snapshot.
func (s *Store) AddApplicationSnapshot(ctx context.Context, snap *model.ApplicationMetricsSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

// Services

// ServiceNames returns the names of services already stored for a host.
func (s *Store) ServiceNames(ctx context.Context, hostID uint) (map[string]bool, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&model.Service{}).Where("host_id = ?", hostID).Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

// UpsertServices inserts or updates services keyed on (host_id, name).
func (s *Store) UpsertServices(ctx context.Context, services []model.Service) error {
	if len(services) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "status", "last_checked_at", "updated_at"}),
		}).
		Create(&services).Error
}

// ListServices returns a host's services ordered by name.
func (s *Store) ListServices(ctx context.Context, hostID uint) ([]model.Service, error) {
	var out []model.Service
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).Order("name").Find(&out).Error
	return out, err
}

// GetService loads one service by host and name.
func (s *Store) GetService(ctx context.Context, hostID uint, name string) (*model.Service, error) {
	var svc model.Service
	err := s.db.WithContext(ctx).Where("host_id = ? AND name = ?", hostID, name).First(&svc).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("Service '%s'", name))
	}
	return &svc, nil
}

// Applications

// SaveApplication inserts or updates an application.
func (s *Store) SaveApplication(ctx context.Context, app *model.Application) error {
	return s.db.WithContext(ctx).Save(app).Error
}

// GetApplication loads an application by id.
func (s *Store) GetApplication(ctx context.Context, id uint) (*model.Application, error) {
	var app model.Application
	if err := s.db.WithContext(ctx).First(&app, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("Application %d", id))
	}
	return &app, nil
}

// ListApplications returns a host's applications.
func (s *Store) ListApplications(ctx context.Context, hostID uint) ([]model.Application, error) {
	var out []model.Application
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).Order("name").Find(&out).Error
	return out, err
}

// Transfers

// CreateTransfer inserts a new transfer record.
func (s *Store) CreateTransfer(ctx context.Context, p *model.TransferProgress) error {
	if p.Status == "" {
		p.Status = model.TransferPending
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// SaveTransfer writes every field of a transfer record.
func (s *Store) SaveTransfer(ctx context.Context, p *model.TransferProgress) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// terminalStatuses are the transfer states no update may leave.
var terminalStatuses = []model.TransferStatus{model.TransferComplete, model.TransferFailed}

// AdvanceTransfer records progress on an in-flight transfer. It reports
// false, changing nothing, when the record is no longer in flight or already
// shows more progress.
func (s *Store) AdvanceTransfer(ctx context.Context, id uint, transferredMB float64, totalMB *float64) (bool, error) {
	updates := map[string]interface{}{"transferred_mb": transferredMB, "updated_at": time.Now()}
	if totalMB != nil {
		updates["total_mb"] = *totalMB
	}
	res := s.db.WithContext(ctx).Model(&model.TransferProgress{}).
		Where("id = ? AND status = ? AND transferred_mb <= ?", id, model.TransferInFlight, transferredMB).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// UpdateTransferState writes status, counters, error and timestamps of p
// unless the stored record is already terminal. It reports whether the row
// was written.
func (s *Store) UpdateTransferState(ctx context.Context, p *model.TransferProgress) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.TransferProgress{}).
		Where("id = ? AND status NOT IN ?", p.ID, terminalStatuses).
		Updates(map[string]interface{}{
			"status":         p.Status,
			"remote_path":    p.RemotePath,
			"transferred_mb": p.TransferredMB,
			"total_mb":       p.TotalMB,
			"error":          p.Error,
			"started_at":     p.StartedAt,
			"completed_at":   p.CompletedAt,
			"updated_at":     time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// GetTransferByKey loads a transfer by its unique key.
func (s *Store) GetTransferByKey(ctx context.Context, key string) (*model.TransferProgress, error) {
	var p model.TransferProgress
	if err := s.db.WithContext(ctx).Where(&model.TransferProgress{Key: key}).First(&p).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("Transfer '%s'", key))
	}
	return &p, nil
}

// GetTransferByID loads a transfer by id.
func (s *Store) GetTransferByID(ctx context.Context, id uint) (*model.TransferProgress, error) {
	var p model.TransferProgress
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("Transfer %d", id))
	}
	return &p, nil
}

// ListTransfers returns the most recent transfers, newest first.
func (s *Store) ListTransfers(ctx context.Context, limit int) ([]model.TransferProgress, error) {
	var out []model.TransferProgress
	q := s.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
