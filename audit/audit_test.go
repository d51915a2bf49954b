package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store, err := Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "data", "compilations.db"))
	require.NoError(t, err)
	defer store.Close()

	t.Run("DeduplicatesBySnippet", func(t *testing.T) {
		snippet := "fn main() {\n    io.print(\"hi\");\n}"
		require.NoError(t, store.LogCompilation(ctx, Entry{Snippet: snippet, Result: "hi\n", Success: true}))
		require.NoError(t, store.LogCompilation(ctx, Entry{Snippet: snippet, Result: "different", Success: false}))

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		var result string
		var success int
		err = store.db.QueryRowContext(ctx,
			"SELECT result, success FROM compilation_logs WHERE snippet_hash = ?", Hash(snippet)).Scan(&result, &success)
		require.NoError(t, err)
		assert.Equal(t, "hi\n", result)
		assert.Equal(t, 1, success)
	})

	t.Run("DistinctSnippets", func(t *testing.T) {
		before, err := store.Count(ctx)
		require.NoError(t, err)

		require.NoError(t, store.LogCompilation(ctx, Entry{Snippet: "a", Result: "", Success: false}))
		require.NoError(t, store.LogCompilation(ctx, Entry{Snippet: "b", Result: "", Success: false}))

		after, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+2, after)
	})
}

func TestHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(""))
	assert.NotEqual(t, Hash("a"), Hash("b"))
}

func TestNop(t *testing.T) {
	var logger Logger = Nop{}
	assert.NoError(t, logger.LogCompilation(context.Background(), Entry{Snippet: "x"}))
}
