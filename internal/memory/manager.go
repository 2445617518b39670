package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hession/mnemo/internal/llm"
	"github.com/hession/mnemo/internal/metrics"
)

// DefaultContextHeader introduces the rendered context block.
const DefaultContextHeader = "Relevant facts remembered from earlier conversations:"

// Config tunes the Manager.
type Config struct {
	// SearchThreshold is the minimum similarity for explicit searches.
	SearchThreshold float64
	// ContextThreshold is the looser minimum used for per-turn context.
	ContextThreshold   float64
	SearchLimit        int
	MaxContextMemories int
	EmbedConcurrency   int
	ContextHeader      string
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		SearchThreshold:    0.7,
		ContextThreshold:   0.5,
		SearchLimit:        10,
		MaxContextMemories: 5,
		EmbedConcurrency:   4,
		ContextHeader:      DefaultContextHeader,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SearchLimit <= 0 {
		c.SearchLimit = def.SearchLimit
	}
	if c.MaxContextMemories <= 0 {
		c.MaxContextMemories = def.MaxContextMemories
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = def.EmbedConcurrency
	}
	if c.ContextHeader == "" {
		c.ContextHeader = def.ContextHeader
	}
	return c
}

// Manager runs the memory write path (extract, embed, store) and read path
// (embed query, score, format).
type Manager struct {
	store     Store
	embedder  llm.Embedder
	extractor Extractor
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewManager wires a manager. logger and m may be nil.
func NewManager(store Store, embedder llm.Embedder, extractor Extractor, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("component", "memory_manager")),
		metrics:   m,
		now:       time.Now,
	}
}

// ExtractAndStore extracts facts from utterance, embeds them concurrently and
// stores the survivors in one batch. A candidate whose embedding fails is
// dropped; the rest are still stored. It returns the number of records written.
func (m *Manager) ExtractAndStore(ctx context.Context, utterance string, ownerID, sourceMessageID int64) (int, error) {
	if strings.TrimSpace(utterance) == "" {
		return 0, nil
	}

	candidates, err := m.extractor.Extract(ctx, utterance)
	if err != nil {
		m.metrics.RecordExtractionFailure("extract")
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	embeddings := make([][]float32, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.EmbedConcurrency)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			vector, err := m.embedder.Embed(gctx, c.Content)
			if err != nil {
				m.metrics.RecordExtractionFailure("embed")
				m.logger.Warn("dropping fact candidate, embedding failed",
					zap.String("content", c.Content), zap.Error(err))
				return nil
			}
			embeddings[i] = vector
			return nil
		})
	}
	_ = g.Wait()

	extractedAt := m.now().UnixMilli()
	var records []*Record
	for i, c := range candidates {
		if len(embeddings[i]) == 0 {
			continue
		}
		records = append(records, &Record{
			ID:               uuid.NewString(),
			OwnerID:          ownerID,
			Content:          c.Content,
			OriginalContext:  c.OriginalContext,
			Embedding:        embeddings[i],
			RelevanceScore:   c.RelevanceScore,
			ExtractedAt:      extractedAt,
			SourceMessageIDs: []int64{sourceMessageID},
			Category:         c.Category,
		})
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := m.store.PutMany(ctx, records); err != nil {
		m.metrics.RecordExtractionFailure("store")
		return 0, err
	}

	m.metrics.RecordMemoriesStored(len(records))
	m.logger.Info("memories stored",
		zap.Int64("owner_id", ownerID),
		zap.Int("candidates", len(candidates)),
		zap.Int("stored", len(records)))
	return len(records), nil
}

type searchOptions struct {
	excludeOwner *int64
	limit        int
	threshold    float64
}

// SearchOption adjusts a single Search call.
type SearchOption func(*searchOptions)

// WithExcludeOwner skips records produced by ownerID.
func WithExcludeOwner(ownerID int64) SearchOption {
	return func(o *searchOptions) { o.excludeOwner = &ownerID }
}

// WithLimit caps the number of results.
func WithLimit(limit int) SearchOption {
	return func(o *searchOptions) {
		if limit > 0 {
			o.limit = limit
		}
	}
}

// WithThreshold sets the minimum similarity.
func WithThreshold(threshold float64) SearchOption {
	return func(o *searchOptions) { o.threshold = threshold }
}

// Search ranks stored records by cosine similarity to query. A failed or empty
// query embedding yields no results and no error; storage errors are returned.
func (m *Manager) Search(ctx context.Context, query string, opts ...SearchOption) ([]SearchResult, error) {
	o := searchOptions{limit: m.cfg.SearchLimit, threshold: m.cfg.SearchThreshold}
	for _, opt := range opts {
		opt(&o)
	}

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.logger.Warn("query embedding failed", zap.Error(err))
		return nil, nil
	}
	if len(vector) == 0 {
		return nil, nil
	}

	var records []*Record
	if o.excludeOwner != nil {
		records, err = m.store.GetAllExcludingOwner(ctx, *o.excludeOwner)
	} else {
		records, err = m.store.GetAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	return rank(vector, records, o.threshold, o.limit), nil
}

// rank scores records against vector and keeps the best limit at or above threshold.
func rank(vector []float32, records []*Record, threshold float64, limit int) []SearchResult {
	var results []SearchResult
	for _, rec := range records {
		sim := CosineSimilarity(vector, rec.Embedding)
		if sim >= threshold {
			results = append(results, SearchResult{Record: rec, Similarity: sim})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// GetRelevantContext renders the facts most relevant to query as a numbered
// block, or "" when nothing clears the context threshold. It never fails:
// any error is logged and treated as "no context".
func (m *Manager) GetRelevantContext(ctx context.Context, query string, excludeOwnerID int64) string {
	results, err := m.Search(ctx, query,
		WithExcludeOwner(excludeOwnerID),
		WithThreshold(m.cfg.ContextThreshold),
		WithLimit(m.cfg.MaxContextMemories),
	)
	if err != nil {
		m.logger.Warn("context retrieval failed", zap.Error(err))
		return ""
	}
	return FormatContext(m.cfg.ContextHeader, results)
}

// FormatContext renders results as "header\n1. [category] content" lines.
func FormatContext(header string, results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(header)
	for i, r := range results {
		fmt.Fprintf(&sb, "\n%d. [%s] %s", i+1, r.Record.Category, r.Record.Content)
	}
	return sb.String()
}

// Stats returns store statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.store.Stats(ctx)
}

// List returns the records of one conversation, or all records when ownerID is nil.
func (m *Manager) List(ctx context.Context, ownerID *int64) ([]*Record, error) {
	if ownerID != nil {
		return m.store.GetByOwner(ctx, *ownerID)
	}
	return m.store.GetAll(ctx)
}

// Forget deletes a single record.
func (m *Manager) Forget(ctx context.Context, id string) error {
	if err := m.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	m.logger.Info("memory forgotten", zap.String("id", id))
	return nil
}

// ForgetConversation deletes every record produced by a conversation.
func (m *Manager) ForgetConversation(ctx context.Context, ownerID int64) (int64, error) {
	return m.store.DeleteByOwner(ctx, ownerID)
}

// Clear wipes the store.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}
