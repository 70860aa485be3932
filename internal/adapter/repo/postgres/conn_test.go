package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsMalformedDSN(t *testing.T) {
	_, err := NewPool(context.Background(), "://bad")
	require.Error(t, err)

	_, err = NewPool(context.Background(), "postgres://u:p@h:not-a-port/db")
	require.Error(t, err)
}
