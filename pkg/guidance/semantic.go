package guidance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Hinter nudges strategy selection with embedding similarity: verdict
// evidence is matched against the catalog's strategy descriptions and the
// closest strategy is suggested in the prompt. Entirely optional; a nil
// Hinter means no hint.
type Hinter struct {
	db         *chromem.DB
	collection *chromem.Collection
	threshold  float32
	mu         sync.RWMutex
	ready      bool
}

// NewHinter builds a hinter over the catalog's strategies using the given
// embedding source.
func NewHinter(catalog Catalog, embed chromem.EmbeddingFunc) (*Hinter, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is nil")
	}

	db := chromem.NewDB()
	collection, err := db.CreateCollection("strategy_seeds", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	h := &Hinter{db: db, collection: collection, threshold: 0.6}
	if err := h.seed(catalog); err != nil {
		return nil, err
	}
	return h, nil
}

// NewHinterWithFallback returns nil instead of an error so callers can
// treat the hinter as strictly optional.
func NewHinterWithFallback(catalog Catalog, embed chromem.EmbeddingFunc) *Hinter {
	if embed == nil {
		log.Printf("[GUIDE] ○ semantic hinter disabled - no embedding source")
		return nil
	}
	h, err := NewHinter(catalog, embed)
	if err != nil {
		log.Printf("[GUIDE] ○ semantic hinter unavailable: %v", err)
		return nil
	}
	log.Printf("[GUIDE] ✓ semantic hinter ready (%d strategy seeds)", len(catalog.Strategies))
	return h
}

func (h *Hinter) seed(catalog Catalog) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	docs := make([]chromem.Document, len(catalog.Strategies))
	for i, s := range catalog.Strategies {
		docs[i] = chromem.Document{
			ID:      fmt.Sprintf("strategy_%d", i),
			Content: s.Description,
			Metadata: map[string]string{
				"code": s.Code,
				"name": s.Name,
			},
		}
	}
	if err := h.collection.AddDocuments(context.Background(), docs, 1); err != nil {
		return fmt.Errorf("failed to seed strategies: %w", err)
	}
	h.ready = true
	return nil
}

// Hint returns a one-line suggestion for the prompt, or "" when nothing
// clears the similarity threshold. Never raises: hint failures are logged
// and swallowed.
func (h *Hinter) Hint(ctx context.Context, evidence string) string {
	if h == nil {
		return ""
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.ready || strings.TrimSpace(evidence) == "" {
		return ""
	}

	results, err := h.collection.Query(ctx, strings.ToLower(evidence), 1, nil, nil)
	if err != nil {
		log.Printf("[GUIDE] hint query failed: %v", err)
		return ""
	}
	if len(results) == 0 || results[0].Similarity < h.threshold {
		return ""
	}
	best := results[0]
	return fmt.Sprintf("strategy %s (%s) resembles what worked here (similarity %.2f)",
		best.Metadata["code"], best.Metadata["name"], best.Similarity)
}

// Ready reports whether the hinter was seeded.
func (h *Hinter) Ready() bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}
