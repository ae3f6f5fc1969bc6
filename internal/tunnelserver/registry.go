package tunnelserver

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Tunnel is one registered tunnel session.
type Tunnel struct {
	ID        string `gorm:"primaryKey;size:36"`
	Subdomain string `gorm:"index;size:63"`
	URL       string
	ClientIP  string
	TokenHash string `gorm:"size:64"`
	Metadata  datatypes.JSON
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Metadata is what the client reported in its handshake.
type Metadata struct {
	ClientVersion string   `json:"clientVersion,omitempty"`
	LocalPort     int      `json:"localPort"`
	AllowIPs      []string `json:"allowIps,omitempty"`
}

// OpenDB opens the registry database and migrates the schema. driver is
// one of sqlite, postgres or mysql.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	if err := db.AutoMigrate(&Tunnel{}); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	return db, nil
}

type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Create(ctx context.Context, t *Tunnel) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(t).Error, "create tunnel")
}

// MarkInactive records that the tunnel's session ended.
func (r *Registry) MarkInactive(ctx context.Context, id string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Tunnel{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": false, "closed_at": &now})
	return errors.Wrapf(res.Error, "deactivate tunnel %s", id)
}

// DeactivateAll marks every tunnel inactive. Sessions do not survive a
// server restart.
func (r *Registry) DeactivateAll(ctx context.Context) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Tunnel{}).
		Where("active = ?", true).
		Updates(map[string]any{"active": false, "closed_at": &now})
	return res.RowsAffected, errors.Wrap(res.Error, "deactivate tunnels")
}

func (r *Registry) Get(ctx context.Context, id string) (*Tunnel, error) {
	var t Tunnel
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get tunnel %s", id)
	}
	return &t, nil
}

func (r *Registry) Active(ctx context.Context) ([]Tunnel, error) {
	var tunnels []Tunnel
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at").
		Find(&tunnels).Error
	return tunnels, errors.Wrap(err, "list active tunnels")
}
