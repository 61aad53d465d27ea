package engine

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}

	ids := make([]string, 200)
	for i := range ids {
		ids[i] = gen.Generate()
		parsed, err := uuid.Parse(ids[i])
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
	}
	assert.True(t, slices.IsSorted(ids), "ids sort in generation order")

	seen := make(map[string]bool)
	for _, id := range ids {
		require.False(t, seen[id], "id %s generated twice", id)
		seen[id] = true
	}
}

func TestFixedGenerator(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want []string
	}{
		{"in order", []string{"ingest-1", "ingest-2"}, []string{"ingest-1", "ingest-2", "ingest-2-1"}},
		{"single", []string{"room"}, []string{"room", "room-1", "room-2"}},
		{"empty", nil, []string{"fixed", "fixed-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := NewFixedGenerator(tt.ids...)
			for _, want := range tt.want {
				assert.Equal(t, want, gen.Generate())
			}
		})
	}
}

func TestFixedGenerator_Concurrent(t *testing.T) {
	gen := NewFixedGenerator("id")
	const goroutines = 50

	ids := make(chan string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.Generate()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines)
}

func TestCreateRoom_LocalpartFromGenerator(t *testing.T) {
	f := newTestFederation(t)
	a := f.server("a.example", WithIDGenerator(NewFixedGenerator("lobby", "annex")))

	first, err := a.engine.CreateRoom(context.Background(), a.user, "", PresetPublic)
	require.NoError(t, err)
	second, err := a.engine.CreateRoom(context.Background(), a.user, "", PresetPublic)
	require.NoError(t, err)

	assert.Equal(t, "!lobby:a.example", first)
	// Authoring the initial state draws correlation ids from the same
	// generator.
	assert.Regexp(t, `^!annex-\d+:a\.example$`, second)
}
