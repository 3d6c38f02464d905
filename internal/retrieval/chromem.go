package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const (
	defaultTopK         = 5
	defaultFetchTimeout = 10 * time.Second
)

// ChromemConfig configures the embedded vector store provider.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path string

	// Collection is the collection name documents live in.
	Collection string

	// TopK is how many documents a query returns.
	TopK int

	// Timeout bounds one Fetch call.
	Timeout time.Duration
}

// Chromem serves supplementary context from an embedded chromem-go vector
// store. No external service is involved.
type Chromem struct {
	collection *chromem.Collection
	topK       int
	timeout    time.Duration
	logger     *zap.Logger
}

// NewChromem opens (or creates) the store and collection. embed may be nil
// to use the library default embedding function.
func NewChromem(cfg ChromemConfig, embed chromem.EmbeddingFunc, logger *zap.Logger) (*Chromem, error) {
	if cfg.Collection == "" {
		cfg.Collection = "flowd_context"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %q: %w", cfg.Collection, err)
	}

	return &Chromem{
		collection: collection,
		topK:       cfg.TopK,
		timeout:    cfg.Timeout,
		logger:     logger,
	}, nil
}

// Ingest adds documents to the collection. IDs must be unique; re-adding
// an ID overwrites the previous content.
func (c *Chromem) Ingest(ctx context.Context, docs map[string]string) error {
	documents := make([]chromem.Document, 0, len(docs))
	for id, content := range docs {
		documents = append(documents, chromem.Document{ID: id, Content: content})
	}
	if err := c.collection.AddDocuments(ctx, documents, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Fetch queries the collection and joins the best-matching documents.
// An empty collection yields an empty string, not an error.
func (c *Chromem) Fetch(ctx context.Context, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n := c.topK
	if count := c.collection.Count(); count < n {
		n = count
	}
	if n == 0 {
		return "", nil
	}

	results, err := c.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return "", fmt.Errorf("query collection: %w", err)
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Content)
	}

	c.logger.Debug("fetched supplementary context",
		zap.Int("documents", len(results)),
	)
	return strings.Join(parts, "\n\n---\n\n"), nil
}
