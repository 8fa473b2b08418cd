package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/internal/domain/scanning"
)

func droppedConnError() error {
	return fmt.Errorf("exec: %w", &pgconn.PgError{Code: "08006", Message: "connection failure"})
}

func TestExecuteAndTrace_RetriesDroppedConnectionOnce(t *testing.T) {
	var calls int
	err := ExecuteAndTrace(context.Background(), NoOpTracer(), "op", nil, func(context.Context) error {
		calls++
		if calls == 1 {
			return droppedConnError()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls, "the call is re-run once on a fresh connection")
}

func TestExecuteAndTrace_RetryIsBounded(t *testing.T) {
	var calls int
	err := ExecuteAndTrace(context.Background(), NoOpTracer(), "op", nil, func(context.Context) error {
		calls++
		return droppedConnError()
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteAndTrace_StatementErrorsAreNotRetried(t *testing.T) {
	var calls int
	stmtErr := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	err := ExecuteAndTrace(context.Background(), NoOpTracer(), "op", nil, func(context.Context) error {
		calls++
		return stmtErr
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteAndTrace_NoRetryAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	err := ExecuteAndTrace(ctx, NoOpTracer(), "op", nil, func(context.Context) error {
		calls++
		cancel()
		return droppedConnError()
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableConnError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "nil", err: nil, retryable: false},
		{name: "connection exception class", err: droppedConnError(), retryable: true},
		{name: "closed pool connection", err: errors.New("conn closed"), retryable: true},
		{name: "integrity violation", err: &pgconn.PgError{Code: "23505"}, retryable: false},
		{name: "plain failure", err: errors.New("syntax error"), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableConnError(tt.err))
		})
	}
}

func TestClassifyError(t *testing.T) {
	t.Run("integrity classes map to ErrDataIntegrity", func(t *testing.T) {
		err := ClassifyError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
		assert.ErrorIs(t, err, scanning.ErrDataIntegrity)

		err = ClassifyError(&pgconn.PgError{Code: "22021", Message: "invalid byte sequence"})
		assert.ErrorIs(t, err, scanning.ErrDataIntegrity)
	})

	t.Run("connection failures pass through", func(t *testing.T) {
		err := ClassifyError(droppedConnError())
		assert.NotErrorIs(t, err, scanning.ErrDataIntegrity)
	})
}
