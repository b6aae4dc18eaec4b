package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndPoll(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, inbox.Submit(Request{ID: "req-1", TaskID: "task-1", Action: "delete old files"}))

	_, err = inbox.Poll("req-1")
	assert.ErrorIs(t, err, ErrNoAnswer)

	require.NoError(t, inbox.Answer(Answer{ID: "req-1", Approved: true, Comment: "go ahead"}))

	answer, err := inbox.Poll("req-1")
	require.NoError(t, err)
	assert.True(t, answer.Approved)
	assert.Equal(t, "go ahead", answer.Comment)
}

func TestAwaitPicksUpAnswer(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, inbox.Submit(Request{ID: "req-1", TaskID: "task-1", Action: "install dependency"}))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = inbox.Answer(Answer{ID: "req-1", Approved: false, Comment: "not on this branch"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	answer, err := inbox.Await(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, answer.Approved)

	// Decided requests are cleaned out of the inbox.
	pending, err := inbox.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAwaitReturnsExistingAnswer(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, inbox.Submit(Request{ID: "req-1", Action: "x"}))
	require.NoError(t, inbox.Answer(Answer{ID: "req-1", Approved: true}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	answer, err := inbox.Await(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, answer.Approved)
}

func TestAwaitHonorsContext(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, inbox.Submit(Request{ID: "req-1", Action: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = inbox.Await(ctx, "req-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingListsUnanswered(t *testing.T) {
	inbox, err := NewInbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, inbox.Submit(Request{ID: "req-1", Action: "a"}))
	require.NoError(t, inbox.Submit(Request{ID: "req-2", Action: "b"}))
	require.NoError(t, inbox.Answer(Answer{ID: "req-1", Approved: true}))

	pending, err := inbox.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-2", pending[0].ID)
}
