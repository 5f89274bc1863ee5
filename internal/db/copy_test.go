package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var obsColumns = []string{"source_id", "job_id", "coin_key", "amount", "currency", "observed_at"}

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "observations", obsColumns, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"observations"}, obsColumns).WillReturnResult(2)

	rows := [][]any{
		{"heritage", "job-1", "usa|morgan-dollar|1921|d|-|ms65", "100.00", "USD", "2026-03-01T12:00:00Z"},
		{"pcgs", "job-2", "usa|morgan-dollar|1921|d|-|ms65", "102.00", "USD", "2026-03-01T12:05:00Z"},
	}
	n, err := CopyFrom(context.Background(), mock, "observations", obsColumns, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"prices", "observations"}, []string{"coin_key"}).WillReturnResult(1)

	n, err := CopyFrom(context.Background(), mock, "prices.observations", []string{"coin_key"}, [][]any{{"k"}})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"observations"}, []string{"coin_key"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "observations", []string{"coin_key"}, [][]any{{"k"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO observations")
	assert.NoError(t, mock.ExpectationsWereMet())
}
