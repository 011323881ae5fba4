package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPostponeLifecycle(t *testing.T) {
	setupDB(t)
	store := NewPostponeStore(zap.NewNop())

	deadline := time.Now().Unix() + 60
	require.NoError(t, store.SavePending("op-1", "chat-1", "do the thing", "option A", "option B", deadline))

	row, err := store.GetActiveByChat("chat-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "waiting", row.Status)
	assert.Equal(t, "do the thing", row.OriginalPrompt)
	assert.Equal(t, deadline, row.ClarificationDeadlineAt)
	assert.False(t, row.RetryEnqueued)

	retryAt := time.Now().Unix() + 1800
	cancelAt := retryAt + 1800
	require.NoError(t, store.MarkPostponed("op-1", retryAt, cancelAt))
	row, _ = store.GetActiveByChat("chat-1")
	assert.Equal(t, "postponed", row.Status)
	assert.Equal(t, retryAt, row.RetryAt)
	assert.Equal(t, cancelAt, row.CancelAt)

	require.NoError(t, store.MarkRetryEnqueued("op-1"))
	row, _ = store.GetActiveByChat("chat-1")
	assert.True(t, row.RetryEnqueued)

	require.NoError(t, store.MarkResolved("op-1", "option A"))
	row, _ = store.GetActiveByChat("chat-1")
	assert.Equal(t, "resolved", row.Status)
	assert.Equal(t, "option A", row.ClarificationResponse)

	require.NoError(t, store.Delete("op-1"))
	row, err = store.GetActiveByChat("chat-1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestPostponeCancelledRowsAreInactive(t *testing.T) {
	setupDB(t)
	store := NewPostponeStore(zap.NewNop())

	require.NoError(t, store.SavePending("op-1", "chat-1", "p", "a", "b", 0))
	require.NoError(t, store.MarkCancelled("op-1"))

	row, err := store.GetActiveByChat("chat-1")
	require.NoError(t, err)
	assert.Nil(t, row, "cancelled rows are not active")
}

func TestListActiveForRecovery(t *testing.T) {
	setupDB(t)
	store := NewPostponeStore(zap.NewNop())

	require.NoError(t, store.SavePending("op-1", "chat-1", "p1", "a", "b", 0))
	require.NoError(t, store.SavePending("op-2", "chat-2", "p2", "a", "b", 0))
	require.NoError(t, store.MarkPostponed("op-2", 100, 200))
	require.NoError(t, store.SavePending("op-3", "chat-3", "p3", "a", "b", 0))
	require.NoError(t, store.MarkResolved("op-3", "a"))

	rows, err := store.ListActive()
	require.NoError(t, err)
	require.Len(t, rows, 2, "only waiting and postponed rows are recovered")

	statuses := map[string]string{}
	for _, r := range rows {
		statuses[r.OperationID] = r.Status
	}
	assert.Equal(t, "waiting", statuses["op-1"])
	assert.Equal(t, "postponed", statuses["op-2"])
}

func TestSavePendingUpsertResetsLifecycle(t *testing.T) {
	setupDB(t)
	store := NewPostponeStore(zap.NewNop())

	require.NoError(t, store.SavePending("op-1", "chat-1", "p", "a", "b", 0))
	require.NoError(t, store.MarkPostponed("op-1", 100, 200))
	require.NoError(t, store.SavePending("op-1", "chat-1", "p2", "c", "d", 50))

	row, err := store.GetActiveByChat("chat-1")
	require.NoError(t, err)
	assert.Equal(t, "waiting", row.Status)
	assert.Equal(t, "p2", row.OriginalPrompt)
	assert.Equal(t, int64(0), row.RetryAt)
}
