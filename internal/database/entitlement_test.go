package database_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"receipt-api/internal/database"
	"receipt-api/internal/database/dbtest"
	"receipt-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntitlement(userID string, expiresAt time.Time) *models.Entitlement {
	return &models.Entitlement{
		UserID:        userID,
		Platform:      string(models.PlatformIOS),
		ProductID:     "com.example.basic.monthly",
		Level:         string(models.LevelBasic),
		Duration:      string(models.DurationMonthly),
		Status:        models.EntitlementStatusActive,
		ExpiresAt:     expiresAt,
		TransactionID: "1000000000000001",
	}
}

func TestUpsertEntitlement_CreatesThenOverwrites(t *testing.T) {
	db := dbtest.New(t)
	repo := database.NewEntitlementRepository(db)
	ctx := context.Background()

	first := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.UpsertEntitlement(ctx, newEntitlement("user-1", first)))

	second := first.Add(30 * 24 * time.Hour)
	renewed := newEntitlement("user-1", second)
	renewed.ProductID = "com.example.premium.yearly"
	renewed.Level = string(models.LevelPremium)
	renewed.Duration = string(models.DurationYearly)
	require.NoError(t, repo.UpsertEntitlement(ctx, renewed))

	var count int64
	require.NoError(t, db.Model(&models.Entitlement{}).Where("user_id = ?", "user-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got, err := repo.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "com.example.premium.yearly", got.ProductID)
	assert.Equal(t, string(models.LevelPremium), got.Level)
	assert.True(t, got.ExpiresAt.Equal(second), "expires_at = %v, want %v", got.ExpiresAt, second)
}

func TestUpsertEntitlement_ConcurrentWritersKeepOneRow(t *testing.T) {
	db := dbtest.New(t)
	repo := database.NewEntitlementRepository(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := newEntitlement("user-race", time.Now().Add(time.Duration(i+1)*time.Hour))
			assert.NoError(t, repo.UpsertEntitlement(ctx, e))
		}(i)
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&models.Entitlement{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGetEntitlement_NotFound(t *testing.T) {
	repo := database.NewEntitlementRepository(dbtest.New(t))
	_, err := repo.GetEntitlement(context.Background(), "nobody")
	assert.True(t, errors.Is(err, database.ErrNotFound))
}

func TestFindByStoreReferenceAndMarkStatus(t *testing.T) {
	repo := database.NewEntitlementRepository(dbtest.New(t))
	ctx := context.Background()

	e := newEntitlement("user-2", time.Now().Add(time.Hour))
	e.Platform = string(models.PlatformAndroid)
	e.StoreReference = "purchase-token-abc"
	require.NoError(t, repo.UpsertEntitlement(ctx, e))

	found, err := repo.FindByStoreReference(ctx, models.PlatformAndroid, "purchase-token-abc")
	require.NoError(t, err)
	assert.Equal(t, "user-2", found.UserID)

	_, err = repo.FindByStoreReference(ctx, models.PlatformIOS, "purchase-token-abc")
	assert.True(t, errors.Is(err, database.ErrNotFound))

	// a row now backed by another purchase is left alone
	assert.True(t, errors.Is(repo.MarkStatus(ctx, "user-2", "older-token", models.EntitlementStatusCanceled), database.ErrNotFound))
	got, err := repo.GetEntitlement(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusActive, got.Status)

	require.NoError(t, repo.MarkStatus(ctx, "user-2", "purchase-token-abc", models.EntitlementStatusCanceled))
	got, err = repo.GetEntitlement(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementStatusCanceled, got.Status)

	assert.True(t, errors.Is(repo.MarkStatus(ctx, "missing", "purchase-token-abc", models.EntitlementStatusExpired), database.ErrNotFound))
}

func TestTransactionsAudit(t *testing.T) {
	repo := database.NewEntitlementRepository(dbtest.New(t))
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, repo.RecordTransaction(ctx, &models.Transaction{
			UserID:        "user-3",
			Platform:      string(models.PlatformIOS),
			ProductID:     "com.example.basic.monthly",
			TransactionID: id,
			Valid:         true,
			Message:       "Subscription verified",
		}))
	}
	require.NoError(t, repo.RecordTransaction(ctx, &models.Transaction{UserID: "someone-else", TransactionID: "x"}))

	list, err := repo.ListTransactions(ctx, "user-3", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t3", list[0].TransactionID)
	assert.Equal(t, "t2", list[1].TransactionID)
}

func TestListTransactions_LimitIsCapped(t *testing.T) {
	repo := database.NewEntitlementRepository(dbtest.New(t))
	ctx := context.Background()

	for i := 0; i < 105; i++ {
		require.NoError(t, repo.RecordTransaction(ctx, &models.Transaction{
			UserID:        "user-4",
			TransactionID: fmt.Sprintf("t%d", i),
		}))
	}

	list, err := repo.ListTransactions(ctx, "user-4", 500)
	require.NoError(t, err)
	assert.Len(t, list, 100)

	list, err = repo.ListTransactions(ctx, "user-4", 0)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}
