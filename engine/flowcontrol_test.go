package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheLab-ms/spoolbuddy/engine/db"
)

func TestPollWorkqueue(t *testing.T) {
	tests := []struct {
		name         string
		items        []string
		getError     error
		processError error
		updateError  error
		returnNil    bool
		expectAgain  bool
	}{
		{
			name:        "item processed",
			items:       []string{"a"},
			expectAgain: true,
		},
		{
			name:        "queue empty",
			items:       []string{},
			expectAgain: false,
		},
		{
			name:        "queue signals no rows",
			getError:    sql.ErrNoRows,
			expectAgain: false,
		},
		{
			name:        "queue read fails",
			getError:    errors.New("db error"),
			expectAgain: false,
		},
		{
			name:         "processing failure still settles the item",
			items:        []string{"a"},
			processError: errors.New("boom"),
			expectAgain:  true,
		},
		{
			name:        "settling failure stops the drain",
			items:       []string{"a"},
			updateError: errors.New("boom"),
			expectAgain: false,
		},
		{
			name:        "nil item means empty",
			returnNil:   true,
			expectAgain: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := &stubQueue{
				items:        tc.items,
				getError:     tc.getError,
				processError: tc.processError,
				updateError:  tc.updateError,
				returnNil:    tc.returnNil,
			}
			assert.Equal(t, tc.expectAgain, PollWorkqueue[any](q)(t.Context()))
		})
	}
}

func TestPollWorkqueueDrains(t *testing.T) {
	q := &stubQueue{items: []string{"a", "b"}}
	fn := PollWorkqueue[any](q)

	assert.True(t, fn(t.Context()))
	assert.True(t, fn(t.Context()))
	assert.False(t, fn(t.Context()))
	assert.Equal(t, []string{"a", "b"}, q.processed)
}

func TestPoll(t *testing.T) {
	calls := make(chan struct{}, 16)
	proc := Poll(5*time.Millisecond, func(ctx context.Context) bool {
		calls <- struct{}{}
		return false
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- proc(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("polling stalled")
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWithRateLimitingHonorsContext(t *testing.T) {
	q := &stubQueue{items: []string{"a", "b"}}
	limited := WithRateLimiting[any](q, 1)

	require.NoError(t, limited.ProcessItem(t.Context(), "a"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, limited.ProcessItem(ctx, "b"))
}

func TestCleanup(t *testing.T) {
	database := db.OpenTest(t)
	db.MustMigrate(database, `CREATE TABLE junk (id INTEGER PRIMARY KEY, keep INTEGER NOT NULL)`)
	_, err := database.Exec(`INSERT INTO junk (keep) VALUES (0), (0), (1)`)
	require.NoError(t, err)

	fn := Cleanup(database, "junk rows", "DELETE FROM junk WHERE keep = 0")
	assert.False(t, fn(t.Context()))

	var count int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM junk`).Scan(&count))
	assert.Equal(t, 1, count)

	// Nothing left to delete is not an error.
	assert.False(t, fn(t.Context()))
}

type stubQueue struct {
	items        []string
	next         int
	processed    []string
	getError     error
	processError error
	updateError  error
	returnNil    bool
}

func (q *stubQueue) GetItem(ctx context.Context) (any, error) {
	if q.returnNil {
		return nil, nil
	}
	if q.getError != nil {
		return "", q.getError
	}
	if q.next >= len(q.items) {
		return "", sql.ErrNoRows
	}
	item := q.items[q.next]
	q.next++
	return item, nil
}

func (q *stubQueue) ProcessItem(ctx context.Context, item any) error {
	q.processed = append(q.processed, item.(string))
	return q.processError
}

func (q *stubQueue) UpdateItem(ctx context.Context, item any, success bool) error {
	return q.updateError
}
