package local

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

func TestLocalStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)

	key, err := s.Store(ctx, strings.NewReader("hello"), "seed/abc/a.json")
	require.NoError(t, err)
	assert.Equal(t, "seed/abc/a.json", key)

	rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, ErrNotExist))

	// deleting twice is fine
	assert.NoError(t, s.Delete(ctx, key))
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)

	_, err = s.Store(context.Background(), strings.NewReader("x"), "../outside")
	assert.Error(t, err)
}

func TestLocalStorageHonoursCancellation(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Store(ctx, strings.NewReader("x"), "k")
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, ErrNotExist))
}
