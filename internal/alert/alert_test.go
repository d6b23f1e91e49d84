package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/store/memory"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingNotifier struct {
	alerts []domain.StockAlert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, alert domain.StockAlert) error {
	n.alerts = append(n.alerts, alert)
	return n.err
}

func TestRaiseDeduplicatesUntilResolved(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := NewService(memory.New(), notifier, quietLogger())
	ctx := context.Background()

	first, created, err := svc.Raise(ctx, "main", "milk", domain.AlertLowStock, 150, 200)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := svc.Raise(ctx, "main", "milk", domain.AlertLowStock, 90, 200)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	_, created, err = svc.Raise(ctx, "main", "milk", domain.AlertOutOfStock, 0, 200)
	require.NoError(t, err)
	require.True(t, created)

	open, err := svc.ListUnresolved(ctx, "main")
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Len(t, notifier.alerts, 2)

	_, err = svc.Resolve(ctx, first.ID, "manager")
	require.NoError(t, err)

	third, created, err := svc.Raise(ctx, "main", "milk", domain.AlertLowStock, 120, 200)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, third.ID)
}

func TestResolveIsIdempotent(t *testing.T) {
	svc := NewService(memory.New(), &recordingNotifier{}, quietLogger())
	ctx := context.Background()

	raised, _, err := svc.Raise(ctx, "main", "coffee", domain.AlertOutOfStock, 0, 100)
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, raised.ID, "manager")
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.Equal(t, "manager", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	again, err := svc.Resolve(ctx, raised.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, "manager", again.ResolvedBy)
	require.Equal(t, resolved.ResolvedAt, again.ResolvedAt)

	_, err = svc.Resolve(ctx, "alr-missing", "manager")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Resolve(ctx, raised.ID, " ")
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestRaiseRejectsUnknownType(t *testing.T) {
	svc := NewService(memory.New(), &recordingNotifier{}, quietLogger())
	_, _, err := svc.Raise(context.Background(), "main", "milk", domain.AlertType("overstock"), 1, 1)
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestNotifierFailureDoesNotUndoAlert(t *testing.T) {
	svc := NewService(memory.New(), &recordingNotifier{err: errors.New("smtp down")}, quietLogger())
	ctx := context.Background()

	_, created, err := svc.Raise(ctx, "main", "milk", domain.AlertLowStock, 10, 100)
	require.NoError(t, err)
	require.True(t, created)

	open, err := svc.ListUnresolved(ctx, "")
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestTypeFor(t *testing.T) {
	require.Equal(t, domain.AlertOutOfStock, TypeFor(0))
	require.Equal(t, domain.AlertOutOfStock, TypeFor(-3))
	require.Equal(t, domain.AlertLowStock, TypeFor(0.5))
}

func TestRedisNotifierPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, "alerts")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	notifier := NewRedisNotifier(client, "alerts")
	require.NoError(t, notifier.Notify(ctx, domain.StockAlert{ID: "alr-1", BranchID: "main", RawMaterialID: "milk", AlertType: domain.AlertLowStock}))

	msg, err := sub.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	message, ok := msg.(*redis.Message)
	require.True(t, ok)

	var got domain.StockAlert
	require.NoError(t, json.Unmarshal([]byte(message.Payload), &got))
	require.Equal(t, "alr-1", got.ID)
	require.Equal(t, domain.AlertLowStock, got.AlertType)
}
