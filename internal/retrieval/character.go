package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/clients/openai"
	"github.com/storysmith/storysmith-backend/internal/contextstore"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/platform/vectorstore"
)

// CharacterProvider retrieves a character's context documents (profile,
// traits, arc, themes, prior generated samples) ranked against a scene query.
type CharacterProvider interface {
	Retrieve(ctx context.Context, characterID uuid.UUID, req Request) ([]RankedResult, error)
	// RecentSamples returns up to limit prior generated samples for the
	// character, most recent first, matched loosely against queryText.
	RecentSamples(ctx context.Context, characterID uuid.UUID, queryText string, limit int) ([]RankedResult, error)
}

type characterProvider struct {
	log   *logger.Logger
	llm   openai.Client
	store vectorstore.Store
}

func NewCharacterProvider(baseLog *logger.Logger, llm openai.Client, store vectorstore.Store) CharacterProvider {
	return &characterProvider{
		log:   baseLog.With("service", "CharacterContextProvider"),
		llm:   llm,
		store: store,
	}
}

func (p *characterProvider) Retrieve(ctx context.Context, characterID uuid.UUID, req Request) ([]RankedResult, error) {
	if characterID == uuid.Nil {
		return nil, fmt.Errorf("character id required")
	}
	req = req.withDefaults()
	if strings.TrimSpace(req.QueryText) == "" {
		return []RankedResult{}, nil
	}

	embeddings, err := p.llm.Embed(ctx, []string{req.QueryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := p.store.Query(ctx,
		contextstore.CharacterCollection(characterID),
		embeddings[0],
		req.MaxResults*OverfetchFactor,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("query character collection: %w", err)
	}

	results := make([]RankedResult, 0, len(matches))
	for _, m := range matches {
		r := resultFromMatch(m)
		if r.Text == "" || r.Similarity < req.SimilarityThreshold {
			continue
		}
		r.Explanation = Explain(req.QueryText, r.Text, r.Similarity)
		results = append(results, r)
	}
	return sortAndTruncate(results, req.MaxResults), nil
}

func (p *characterProvider) RecentSamples(ctx context.Context, characterID uuid.UUID, queryText string, limit int) ([]RankedResult, error) {
	if characterID == uuid.Nil || limit <= 0 {
		return []RankedResult{}, nil
	}
	if strings.TrimSpace(queryText) == "" {
		queryText = "previous scene"
	}

	embeddings, err := p.llm.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embed sample query: %w", err)
	}

	// Overfetch so recency ordering has enough candidates even when older
	// samples happen to score higher than newer ones.
	matches, err := p.store.Query(ctx,
		contextstore.CharacterCollection(characterID),
		embeddings[0],
		limit*4,
		map[string]any{contextstore.MetaKind: contextstore.KindGeneratedSample},
	)
	if err != nil {
		return nil, fmt.Errorf("query generated samples: %w", err)
	}

	results := make([]RankedResult, 0, len(matches))
	for _, m := range matches {
		r := resultFromMatch(m)
		if r.Text == "" {
			continue
		}
		r.Explanation = Explain(queryText, r.Text, r.Similarity)
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
