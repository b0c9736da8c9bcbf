package outbox_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/shared/application"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/outbox"
)

func newSQLRepository(t *testing.T) (*outbox.SQLRepository, database.Connection) {
	t.Helper()
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{
		Driver:     database.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "outbox.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = migrations.Run(ctx, conn, nil)
	require.NoError(t, err)
	return outbox.NewSQLRepository(conn), conn
}

func TestSQLRepository_SaveAndGetUnpublished(t *testing.T) {
	repo, _ := newSQLRepository(t)
	ctx := context.Background()

	first := createTestMessage("automation.schedule.triggered")
	first.Metadata = []byte(`{"source":"runtime"}`)
	second := createTestMessage("automation.schedule.executing")
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))
	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID)

	msgs, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	got := msgs[0]
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, first.EventID, got.EventID)
	assert.Equal(t, first.AggregateID, got.AggregateID)
	assert.Equal(t, "Schedule", got.AggregateType)
	assert.Equal(t, "automation.schedule.triggered", got.RoutingKey)
	assert.JSONEq(t, string(first.Payload), string(got.Payload))
	assert.JSONEq(t, `{"source":"runtime"}`, string(got.Metadata))
	assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.Nil(t, got.PublishedAt)

	limited, err := repo.GetUnpublished(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLRepository_MarkPublishedFailedDead(t *testing.T) {
	repo, _ := newSQLRepository(t)
	ctx := context.Background()

	published := createTestMessage("automation.schedule.finished")
	failed := createTestMessage("automation.schedule.cancelled")
	dead := createTestMessage("automation.schedule.expired")
	require.NoError(t, repo.SaveBatch(ctx, []*outbox.Message{published, failed, dead}))

	require.NoError(t, repo.MarkPublished(ctx, published.ID))
	require.NoError(t, repo.MarkFailed(ctx, failed.ID, "broker down", time.Now().Add(time.Hour)))
	require.NoError(t, repo.MarkDead(ctx, dead.ID, "max retries exceeded"))

	msgs, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "published, backing-off and dead messages are not due")

	require.NoError(t, repo.MarkFailed(ctx, failed.ID, "broker down again", time.Now().Add(-time.Second)))
	msgs, err = repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, failed.ID, msgs[0].ID)
	assert.Equal(t, 2, msgs[0].RetryCount)
	require.NotNil(t, msgs[0].LastError)
	assert.Equal(t, "broker down again", *msgs[0].LastError)
}

func TestSQLRepository_DeleteOld(t *testing.T) {
	repo, _ := newSQLRepository(t)
	ctx := context.Background()

	published := createTestMessage("automation.schedule.finished")
	pending := createTestMessage("automation.schedule.idle")
	require.NoError(t, repo.SaveBatch(ctx, []*outbox.Message{published, pending}))
	require.NoError(t, repo.MarkPublished(ctx, published.ID))

	deleted, err := repo.DeleteOld(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = repo.DeleteOld(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	msgs, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, pending.ID, msgs[0].ID)
}

func TestSQLRepository_SaveBatchJoinsUnitOfWork(t *testing.T) {
	repo, conn := newSQLRepository(t)
	uow := database.NewUnitOfWork(conn)
	errAbort := errors.New("abort")

	err := application.WithUnitOfWork(context.Background(), uow, func(ctx context.Context) error {
		if err := repo.SaveBatch(ctx, []*outbox.Message{createTestMessage("automation.schedule.triggered")}); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	msgs, err := repo.GetUnpublished(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLRepository_DuplicateEventIDRejected(t *testing.T) {
	repo, _ := newSQLRepository(t)
	ctx := context.Background()

	msg := createTestMessage("automation.schedule.triggered")
	require.NoError(t, repo.Save(ctx, msg))

	dup := createTestMessage("automation.schedule.triggered")
	dup.EventID = msg.EventID
	assert.Error(t, repo.Save(ctx, dup))

	other := createTestMessage("automation.schedule.triggered")
	other.EventID = uuid.New()
	assert.NoError(t, repo.Save(ctx, other))
}
