package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult struct {
	rows int64
	err  error
}

func (f fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f fakeResult) RowsAffected() (int64, error) { return f.rows, f.err }

func TestRowsAffected(t *testing.T) {
	n, err := rowsAffected(fakeResult{rows: 3}, "update stock")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	cause := errors.New("driver does not report rows")
	_, err = rowsAffected(fakeResult{err: cause}, "update stock")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "update stock")
}
