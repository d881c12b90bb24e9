package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/converge/internal/graph"
)

func TestDocument_HashIsContentAddressed(t *testing.T) {
	a := NewDocument()
	a.Lineage = "fixed"
	a.SetResource(graph.Addr{Kind: "net", Name: "main"}, &ResourceState{
		ProviderID: "id-1",
		Status:     StatusApplied,
	})

	b := a.Clone()
	assert.Equal(t, a.Hash(), b.Hash())

	b.SetResource(graph.Addr{Kind: "net", Name: "other"}, &ResourceState{Status: StatusApplied})
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestDocument_EncodeDecode(t *testing.T) {
	doc := NewDocument()
	doc.Serial = 7
	doc.SetResource(graph.Addr{Kind: "net", Name: "main"}, &ResourceState{
		ProviderID: "id-1",
		Attributes: map[string]any{"ip_range": "10.0.0.0/16"},
		Outputs:    map[string]any{"id": "id-1"},
		Status:     StatusApplied,
	})

	data, err := doc.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Serial)
	assert.Equal(t, doc.Lineage, got.Lineage)

	rs := got.Resource(graph.Addr{Kind: "net", Name: "main"})
	require.NotNil(t, rs)
	assert.Equal(t, "id-1", rs.ProviderID)
	assert.Equal(t, StatusApplied, rs.Status)
}

func TestDecode_RejectsUnknownFormat(t *testing.T) {
	_, err := Decode([]byte(`{"version": 99}`))
	assert.Error(t, err)
}

func TestDocument_OutputIgnoresTainted(t *testing.T) {
	doc := NewDocument()
	addr := graph.Addr{Kind: "net", Name: "main"}
	doc.SetResource(addr, &ResourceState{
		Outputs: map[string]any{"id": "id-1"},
		Status:  StatusTainted,
	})

	_, ok := doc.Output(addr, "id")
	assert.False(t, ok, "tainted resources do not expose outputs")

	doc.Resource(addr).Status = StatusApplied
	v, ok := doc.Output(addr, "id")
	assert.True(t, ok)
	assert.Equal(t, "id-1", v)
}

func TestMemoryStore_EmptyRead(t *testing.T) {
	store := NewMemoryStore()
	doc, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Serial)
	assert.Empty(t, doc.Resources)
}

func TestMemoryStore_WriteBumpsSerial(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc, err := store.Read(ctx)
	require.NoError(t, err)

	doc.SetResource(graph.Addr{Kind: "net", Name: "main"}, &ResourceState{Status: StatusApplied})
	serial, err := store.WriteIfSerialMatches(ctx, doc, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), serial)

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Serial)
	require.NotNil(t, got.Resource(graph.Addr{Kind: "net", Name: "main"}))
}

func TestMemoryStore_StaleWriteRejectedAndHarmless(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc, _ := store.Read(ctx)
	_, err := store.WriteIfSerialMatches(ctx, doc, 0)
	require.NoError(t, err)

	before, _ := store.Read(ctx)
	hash := before.Hash()

	// Rejection is idempotent: repeated stale writes never change state.
	for range 3 {
		stale := NewDocument()
		stale.SetResource(graph.Addr{Kind: "bad", Name: "write"}, &ResourceState{Status: StatusApplied})
		_, err := store.WriteIfSerialMatches(ctx, stale, 0)

		var staleErr *StaleWriteError
		require.ErrorAs(t, err, &staleErr)
		assert.Equal(t, uint64(0), staleErr.Expected)
		assert.Equal(t, uint64(1), staleErr.Actual)

		after, _ := store.Read(ctx)
		assert.Equal(t, hash, after.Hash())
	}
}

func TestMemoryStore_ReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc, _ := store.Read(ctx)
	_, err := store.WriteIfSerialMatches(ctx, doc, 0)
	require.NoError(t, err)

	first, _ := store.Read(ctx)
	first.SetResource(graph.Addr{Kind: "mut", Name: "ation"}, &ResourceState{Status: StatusApplied})

	second, _ := store.Read(ctx)
	assert.Nil(t, second.Resource(graph.Addr{Kind: "mut", Name: "ation"}),
		"mutating a read copy must not leak into the store")
}

func TestMemoryStore_VersionHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc, _ := store.Read(ctx)
	serial, err := store.WriteIfSerialMatches(ctx, doc, 0)
	require.NoError(t, err)

	doc, _ = store.Read(ctx)
	doc.SetResource(graph.Addr{Kind: "net", Name: "main"}, &ResourceState{Status: StatusApplied})
	_, err = store.WriteIfSerialMatches(ctx, doc, serial)
	require.NoError(t, err)

	versions := store.Versions()
	require.Len(t, versions, 2)
	assert.Equal(t, uint64(1), versions[0].Serial)
	assert.Equal(t, uint64(2), versions[1].Serial)
}
