package retrieval

import (
	"context"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbed is a deterministic embedding function so tests never touch a
// real embedding service.
func hashEmbed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r % 31)
	}
	// Normalize-ish so cosine similarity behaves.
	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	if sum > 0 {
		for i := range vec {
			vec[i] /= sum
		}
	}
	return vec, nil
}

func newTestProvider(t *testing.T) *Chromem {
	t.Helper()
	p, err := NewChromem(ChromemConfig{Collection: "test", TopK: 2}, chromem.EmbeddingFunc(hashEmbed), nil)
	require.NoError(t, err)
	return p
}

func TestChromem_FetchEmptyCollection(t *testing.T) {
	p := newTestProvider(t)
	out, err := p.Fetch(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestChromem_IngestAndFetch(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	err := p.Ingest(ctx, map[string]string{
		"doc-1": "widgets are assembled from sprockets",
		"doc-2": "gadgets require calibration",
	})
	require.NoError(t, err)

	out, err := p.Fetch(ctx, "how are widgets assembled")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestChromem_TopKClampedToCount(t *testing.T) {
	p, err := NewChromem(ChromemConfig{Collection: "test", TopK: 50}, chromem.EmbeddingFunc(hashEmbed), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Ingest(ctx, map[string]string{"only": "a single document"}))

	out, err := p.Fetch(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, "a single document", out)
}
