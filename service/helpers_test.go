package service

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"media-pipeline/entities"
	"media-pipeline/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&entities.MediaAsset{},
		&entities.TranscodeJob{},
		&entities.Webhook{},
		&entities.ApiKey{},
	))

	return db
}

func newTestRepo(t *testing.T) (repository.Repository, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return repository.NewRepoWithGorm(db), db
}
