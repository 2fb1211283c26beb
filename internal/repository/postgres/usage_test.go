package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittucreator/unosend-sub001/internal/auth"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/repository/postgres"
	"github.com/bittucreator/unosend-sub001/internal/service/quota"
)

func TestGetSubscriptionMissing(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewUsageRepo(db)

	mock.ExpectQuery("FROM subscriptions WHERE organization_id = \\$1").
		WithArgs(orgID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSubscription(context.Background(), orgID)
	assert.ErrorIs(t, err, quota.ErrNoSubscription)
}

func TestReserveWithinLimit(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewUsageRepo(db)
	start, end := domain.MonthBounds(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec("INSERT INTO usage_stats .+ ON CONFLICT \\(organization_id, period_start\\) DO NOTHING").
		WithArgs(orgID, start, end).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE usage_stats SET emails_sent = emails_sent \\+ \\$3.+RETURNING emails_sent").
		WithArgs(orgID, start, 10, 5000).
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent"}).AddRow(110))

	ok, used, err := repo.Reserve(context.Background(), orgID, start, end, 10, 5000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 110, used)
}

func TestReserveOverLimitReportsUsage(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewUsageRepo(db)
	start, end := domain.MonthBounds(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec("INSERT INTO usage_stats").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE usage_stats SET emails_sent").
		WithArgs(orgID, start, 10, 5000).
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent"}))
	mock.ExpectQuery("SELECT emails_sent FROM usage_stats").
		WithArgs(orgID, start).
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent"}).AddRow(4995))

	ok, used, err := repo.Reserve(context.Background(), orgID, start, end, 10, 5000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4995, used)
}

func TestCurrentUsageWithoutRow(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewUsageRepo(db)
	start, _ := domain.MonthBounds(time.Now())

	mock.ExpectQuery("SELECT emails_sent FROM usage_stats").
		WillReturnRows(sqlmock.NewRows([]string{"emails_sent"}))

	n, err := repo.CurrentUsage(context.Background(), orgID, start)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewUsageRepo(db)
	start, _ := domain.MonthBounds(time.Now())

	mock.ExpectExec("SET emails_sent = GREATEST\\(emails_sent - \\$3, 0\\)").
		WithArgs(orgID, start, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Release(context.Background(), orgID, start, 4))
}

func TestIncrementStat(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewUsageRepo(db)
	start, end := domain.MonthBounds(time.Now())

	mock.ExpectExec("DO UPDATE SET emails_opened = usage_stats.emails_opened \\+ 1").
		WithArgs(orgID, start, end).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.IncrementStat(context.Background(), orgID, start, end, domain.StatEmailsOpened))

	err := repo.IncrementStat(context.Background(), orgID, start, end, domain.UsageStat("id; DROP TABLE x"))
	assert.Error(t, err)
}

func TestUnsubscribeContactCaseInsensitive(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewContactRepo(db)
	at := time.Now().UTC()

	mock.ExpectExec("WHERE organization_id = \\$1 AND lower\\(email\\) = lower\\(\\$2\\) AND subscribed").
		WithArgs(orgID, "Ann@Example.com", "Hard bounce: General", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.UnsubscribeContact(context.Background(), orgID, "Ann@Example.com", "Hard bounce: General", at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUnsubscribeContactByIDIgnoresMalformedID(t *testing.T) {
	db, _ := setupTestDB(t)
	repo := postgres.NewContactRepo(db)

	n, err := repo.UnsubscribeContactByID(context.Background(), orgID, "c-1", "link", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListSubscribedContacts(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewContactRepo(db)
	created := time.Now().UTC()

	mock.ExpectQuery("FROM contacts WHERE organization_id = \\$1 AND audience_id = \\$2 AND subscribed").
		WithArgs(orgID, "aud-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "audience_id", "email", "first_name", "last_name", "subscribed", "created_at"}).
			AddRow("c-1", orgID, "aud-1", "a@example.com", "Ann", "", true, created))

	got, err := repo.ListSubscribedContacts(context.Background(), orgID, "aud-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Ann", got[0].FirstName)
	assert.True(t, got[0].Subscribed)
}

func TestFindAPIKeyByHash(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := postgres.NewAPIKeyRepo(db)

	mock.ExpectQuery("FROM api_keys WHERE key_hash = \\$1").
		WithArgs("deadbeef").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "key_hash", "revoked_at", "expires_at"}).
			AddRow("k-1", orgID, "deadbeef", nil, nil))
	mock.ExpectQuery("FROM api_keys WHERE key_hash = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	k, err := repo.FindByHash(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, orgID, k.OrganizationID)
	assert.Nil(t, k.RevokedAt)

	_, err = repo.FindByHash(context.Background(), "missing")
	assert.ErrorIs(t, err, auth.ErrKeyNotFound)
}
