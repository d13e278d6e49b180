package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

type ledgerRow struct {
	ID       int
	Resource string
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&ledgerRow{}))
	return Wrap(conn)
}

func countRows(t *testing.T, c *Client) int64 {
	t.Helper()
	var n int64
	require.NoError(t, c.DB().Model(&ledgerRow{}).Count(&n).Error)
	return n
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&ledgerRow{Resource: "products"}).Error
	}))
	require.EqualValues(t, 1, countRows(t, client))

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&ledgerRow{Resource: "customers"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	require.EqualValues(t, 1, countRows(t, client))
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	client := newTestClient(t)
	require.Panics(t, func() {
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			tx.Create(&ledgerRow{Resource: "products"})
			panic("boom")
		})
	})
	require.EqualValues(t, 0, countRows(t, client))
}

func TestWrapDetectsSQLite(t *testing.T) {
	client := newTestClient(t)
	require.True(t, client.IsSQLite())
	require.NoError(t, client.Ping(context.Background()))
}

func TestNewOpensSQLiteFile(t *testing.T) {
	cfg := config.DBConfig{
		Driver: config.DBDriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "ledger.db"),
	}
	client, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.True(t, client.IsSQLite())
	require.NoError(t, client.Ping(context.Background()))
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(context.Background(), config.DBConfig{}, nil)
	require.Error(t, err)
}
