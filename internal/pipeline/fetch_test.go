package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/newshound/internal/model"
)

func TestStaticFetcher(t *testing.T) {
	items := []model.RawItem{
		bciItem("journal_b", "One"),
		bciItem("journal_a", "Two"),
		bciItem("journal_b", "Three"),
	}
	batch, err := StaticFetcher{Items: items}.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, batch.Items, 3)
	assert.Equal(t, []string{"journal_a", "journal_b"}, batch.Attempted)

	batch.Items[0].Title = "changed"
	assert.Equal(t, "One", items[0].Title)
}

func TestLoadItemsFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("defaults", func(t *testing.T) {
		path := filepath.Join(dir, "items.json")
		require.NoError(t, os.WriteFile(path, []byte(`[
			{"title": "Speech BCI", "url": "https://example.org/speech"},
			{"id": "x:1", "title": "Implant", "source_id": "journal_a", "source_category": "journal"}
		]`), 0o644))

		items, err := LoadItemsFile(path)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "file", items[0].SourceID)
		assert.Equal(t, model.SourceCategorySearch, items[0].SourceCategory)
		assert.Equal(t, "file:https://example.org/speech", items[0].ID)
		assert.Equal(t, "x:1", items[1].ID)
		assert.Equal(t, model.SourceCategoryJournal, items[1].SourceCategory)
	})

	t.Run("missing title", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"url": "https://example.org"}]`), 0o644))
		_, err := LoadItemsFile(path)
		assert.ErrorContains(t, err, "has no title")
	})

	t.Run("not json", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.json")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
		_, err := LoadItemsFile(path)
		assert.ErrorContains(t, err, "parse items")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadItemsFile(filepath.Join(dir, "nope.json"))
		assert.ErrorContains(t, err, "read items")
	})
}
