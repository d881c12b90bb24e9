package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	mock := NewMock()

	require.NoError(t, reg.Register("test_resource", mock))
	assert.Error(t, reg.Register("test_resource", mock), "double registration must fail")

	a, err := reg.Lookup("test_resource")
	require.NoError(t, err)
	assert.Same(t, Adapter(mock), a)

	_, err = reg.Lookup("unknown_kind")
	assert.Error(t, err)

	assert.Equal(t, []string{"test_resource"}, reg.Kinds())
}

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, ClassTransient, ClassOf(Transient(base)))
	assert.Equal(t, ClassPermanent, ClassOf(Permanent(base)))
	assert.Equal(t, ClassPermanent, ClassOf(base), "unclassified defaults to permanent")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(base))

	wrapped := fmt.Errorf("calling provider: %w", Transient(base))
	assert.True(t, IsTransient(wrapped), "classification survives wrapping")
	assert.True(t, errors.Is(Transient(base), base))

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}

func TestMock_CreateAdoptsByNaturalKey(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()

	first, err := mock.Create(ctx, map[string]any{"name": "web", "size": "small"})
	require.NoError(t, err)

	// A retried create with the same natural key must not duplicate.
	second, err := mock.Create(ctx, map[string]any{"name": "web", "size": "large"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, mock.Len())
	assert.Equal(t, "large", second.Attributes["size"])
}

func TestMock_ReadNotFound(t *testing.T) {
	mock := NewMock()
	_, err := mock.Read(context.Background(), "mock-99")
	assert.True(t, IsNotFound(err))
}

func TestMock_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()

	remote, err := mock.Create(ctx, map[string]any{"name": "web"})
	require.NoError(t, err)

	require.NoError(t, mock.Delete(ctx, remote.ID))
	require.NoError(t, mock.Delete(ctx, remote.ID), "second delete succeeds")
	assert.Equal(t, 0, mock.Len())
}

func TestMock_ScriptedTransientFailure(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()
	mock.FailWith("web", "create", 2, ClassTransient)

	_, err := mock.Create(ctx, map[string]any{"name": "web"})
	require.True(t, IsTransient(err))

	_, err = mock.Create(ctx, map[string]any{"name": "web"})
	require.True(t, IsTransient(err))

	remote, err := mock.Create(ctx, map[string]any{"name": "web"})
	require.NoError(t, err, "script exhausted after two failures")
	assert.NotEmpty(t, remote.ID)
}

func TestMock_OutputsIncludeID(t *testing.T) {
	mock := NewMock()
	remote, err := mock.Create(context.Background(), map[string]any{"name": "web"})
	require.NoError(t, err)
	assert.Equal(t, remote.ID, remote.Outputs["id"])
	assert.Equal(t, "web", remote.Outputs["name"])
}
