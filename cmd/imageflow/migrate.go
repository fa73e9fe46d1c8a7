package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/internal/attachment"
	"github.com/BaSui01/imageflow/internal/database"
	"github.com/BaSui01/imageflow/internal/ledger"
	"github.com/BaSui01/imageflow/internal/migration"
	"github.com/BaSui01/imageflow/internal/settings"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// schemaModels 返回需要建表的全部模型
func schemaModels() []any {
	models := attachment.Models()
	return append(models, &ledger.Record{}, &settings.StoredCredential{})
}

// openDatabase 按配置打开数据库并包装连接池管理器
func openDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*database.PoolManager, error) {
	db, err := database.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, err
	}
	pool := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.Driver == "sqlite" {
		// sqlite 单写者
		pool.MaxOpenConns, pool.MaxIdleConns = 1, 1
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	return database.NewPoolManager(db, pool, logger)
}

// runMigrate 处理 migrate 命令：up（默认）、down、status、force <version>
func runMigrate(args []string) error {
	sub := "up"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	var forceVersion int
	switch sub {
	case "up", "down", "status":
	case "force":
		if len(args) == 0 {
			return fmt.Errorf("migrate force requires a version")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		forceVersion, args = v, args[1:]
	default:
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}

	cfg, err := loadConfig(flag.NewFlagSet("migrate", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	pm, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pm.Close()

	m, err := newMigrator(pm, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch sub {
	case "down":
		if err := m.Down(ctx); err != nil {
			return err
		}
		return printMigrationInfo(os.Stdout, m)
	case "status":
		return printMigrationStatus(os.Stdout, m)
	case "force":
		if err := m.Force(forceVersion); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Forced version to %d\n", forceVersion)
		return nil
	default:
		if err := m.Up(ctx); err != nil {
			return err
		}
		return printMigrationInfo(os.Stdout, m)
	}
}

// newMigrator 在已打开的连接上构建版本化迁移器
func newMigrator(pm *database.PoolManager, cfg config.DatabaseConfig, logger *zap.Logger) (*migration.Migrator, error) {
	dialect, err := migration.ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := pm.DB().DB()
	if err != nil {
		return nil, err
	}
	return migration.NewMigrator(sqlDB, migration.Config{DatabaseType: dialect}, logger)
}

func printMigrationInfo(w io.Writer, m *migration.Migrator) error {
	info, err := m.Info()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d\n", info.CurrentVersion)
	fmt.Fprintf(w, "Applied: %d/%d, pending: %d\n", info.AppliedMigrations, info.TotalMigrations, info.PendingMigrations)
	if info.Dirty {
		fmt.Fprintln(w, "WARNING: database is dirty, run 'imageflow migrate force <version>' after fixing it")
	}
	return nil
}

func printMigrationStatus(w io.Writer, m *migration.Migrator) error {
	statuses, err := m.Status()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS")
	fmt.Fprintln(tw, "-------\t----\t------")
	for _, s := range statuses {
		status := "Pending"
		if s.Applied {
			status = "Applied"
		}
		if s.Dirty {
			status = "Dirty"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, status)
	}
	return tw.Flush()
}
