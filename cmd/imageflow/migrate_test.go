package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/config"
)

func TestMigrate_UpThenStatus(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "migrate.db")}
	pm, err := openDatabase(cfg, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	m, err := newMigrator(pm, cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	var before bytes.Buffer
	require.NoError(t, printMigrationStatus(&before, m))
	assert.Contains(t, before.String(), "VERSION")
	assert.Regexp(t, `000001\s+init\s+Pending`, before.String())

	require.NoError(t, m.Up(context.Background()))

	var info bytes.Buffer
	require.NoError(t, printMigrationInfo(&info, m))
	assert.Contains(t, info.String(), "Current version: 1")
	assert.Contains(t, info.String(), "pending: 0")

	var after bytes.Buffer
	require.NoError(t, printMigrationStatus(&after, m))
	assert.Regexp(t, `000001\s+init\s+Applied`, after.String())

	for _, model := range schemaModels() {
		assert.True(t, pm.DB().Migrator().HasTable(model), "%T", model)
	}
}

func TestMigrate_RejectsUnknownSubcommand(t *testing.T) {
	err := runMigrate([]string{"sideways"})
	assert.ErrorContains(t, err, "unknown migrate subcommand")

	err = runMigrate([]string{"force"})
	assert.ErrorContains(t, err, "requires a version")

	err = runMigrate([]string{"force", "abc"})
	assert.ErrorContains(t, err, "invalid version")
}

func TestNewMigrator_UnknownDriver(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "x.db")}
	pm, err := openDatabase(cfg, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	_, err = newMigrator(pm, config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}
