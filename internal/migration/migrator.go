package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/config"
	appdb "github.com/BaSui01/chatrelay/internal/database"
)

//go:embed migrations
var migrationsFS embed.FS

// MigrationsTable 记录已应用版本的表名
const MigrationsTable = "schema_migrations"

// =============================================================================
// 🗂️ 方言
// =============================================================================

// Dialect 数据库方言
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect 解析方言名称, 接受常见别名
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

func (d Dialect) dir() string {
	return path.Join("migrations", string(d))
}

// =============================================================================
// 📋 状态类型
// =============================================================================

// Status 单个迁移的状态
type Status struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Dirty   bool   `json:"dirty"`
}

// Info 迁移摘要
type Info struct {
	CurrentVersion uint `json:"current_version"`
	Dirty          bool `json:"dirty"`
	Total          int  `json:"total"`
	Applied        int  `json:"applied"`
	Pending        int  `json:"pending"`
}

// =============================================================================
// 🛠️ Migrator
// =============================================================================

// Migrator 基于 golang-migrate 管理会话存储的表结构版本
type Migrator struct {
	dialect Dialect
	engine  *migrate.Migrate
	logger  *zap.Logger
}

// New 在已打开的连接上创建迁移器。Close 会关闭 db。
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := databaseDriver(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("create %s migration driver: %w", dialect, err)
	}
	src, err := iofs.New(migrationsFS, dialect.dir())
	if err != nil {
		return nil, fmt.Errorf("load %s migrations: %w", dialect, err)
	}
	engine, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{
		dialect: dialect,
		engine:  engine,
		logger:  logger.With(zap.String("component", "migration"), zap.String("dialect", string(dialect))),
	}, nil
}

// Open 按数据库配置建立连接并创建迁移器
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Migrator, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	cfg.Driver = string(dialect)
	dsn := cfg.DSN()
	if dialect == DialectMySQL {
		// 迁移文件包含多条语句
		dsn += "&multiStatements=true"
	}

	gdb, err := appdb.Open(string(dialect), dsn, logger)
	if err != nil {
		return nil, err
	}
	db, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	m, err := New(db, dialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func databaseDriver(db *sql.DB, dialect Dialect) (database.Driver, error) {
	switch dialect {
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: MigrationsTable})
	case DialectSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: MigrationsTable})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dialect)
	}
}

// Up 应用所有未执行的迁移
func (m *Migrator) Up(ctx context.Context) error {
	return m.run("up", m.engine.Up)
}

// Down 回滚最近一次迁移
func (m *Migrator) Down(ctx context.Context) error {
	return m.run("down", func() error { return m.engine.Steps(-1) })
}

// Steps 正数前进 n 步, 负数回滚 n 步
func (m *Migrator) Steps(ctx context.Context, n int) error {
	return m.run(fmt.Sprintf("steps %d", n), func() error { return m.engine.Steps(n) })
}

// Force 直接写入版本号, 用于修复 dirty 状态
func (m *Migrator) Force(ctx context.Context, version int) error {
	if err := m.engine.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	m.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

func (m *Migrator) run(op string, fn func() error) error {
	before, _, _ := m.Version(context.Background())
	if err := fn(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema already up to date", zap.String("op", op), zap.Uint("version", before))
			return nil
		}
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	after, _, _ := m.Version(context.Background())
	m.logger.Info("migration applied",
		zap.String("op", op),
		zap.Uint("from_version", before),
		zap.Uint("to_version", after),
	)
	return nil
}

// Version 返回当前版本, 未执行过迁移时为 0
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.engine.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Status 列出内嵌的所有迁移及其应用状态
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	available, err := availableMigrations(m.dialect)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(available))
	for _, mig := range available {
		statuses = append(statuses, Status{
			Version: mig.Version,
			Name:    mig.Name,
			Applied: mig.Version <= current,
			Dirty:   dirty && mig.Version == current,
		})
	}
	return statuses, nil
}

// Info 返回迁移摘要
func (m *Migrator) Info(ctx context.Context) (*Info, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	info := &Info{CurrentVersion: current, Dirty: dirty, Total: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.Applied++
		}
	}
	info.Pending = info.Total - info.Applied
	return info, nil
}

// Close 释放迁移源与数据库连接
func (m *Migrator) Close() error {
	srcErr, dbErr := m.engine.Close()
	return errors.Join(srcErr, dbErr)
}

// =============================================================================
// 🔍 内嵌迁移文件
// =============================================================================

// availableMigrations 按版本升序返回方言目录下的 up 迁移
func availableMigrations(dialect Dialect) ([]Status, error) {
	entries, err := fs.ReadDir(migrationsFS, dialect.dir())
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[uint]bool)
	var out []Status
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		// 000001_init_schema.up.sql
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil || seen[uint(version)] {
			continue
		}
		seen[uint(version)] = true
		out = append(out, Status{Version: uint(version), Name: strings.TrimSuffix(rest, ".up.sql")})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
