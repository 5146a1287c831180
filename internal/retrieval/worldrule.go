package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/clients/openai"
	rediscache "github.com/storysmith/storysmith-backend/internal/clients/redis"
	"github.com/storysmith/storysmith-backend/internal/contextstore"
	"github.com/storysmith/storysmith-backend/internal/data/repos/story"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/envutil"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/platform/vectorstore"
)

// WorldRuleScope narrows which rules apply: the trilogy owns the collection,
// the book resolves per-book applicability.
type WorldRuleScope struct {
	TrilogyID uuid.UUID
	BookID    uuid.UUID
}

// WorldRuleProvider retrieves applicable world-consistency rules ranked
// against a scene query. Ranked results are cached briefly per (scope, query)
// because the same scene prompt is re-queried across preview/generate cycles.
type WorldRuleProvider interface {
	Retrieve(ctx context.Context, scope WorldRuleScope, req Request) ([]RankedResult, error)
	// Invalidate drops cached results for the trilogy after a rule mutation.
	Invalidate(ctx context.Context, trilogyID uuid.UUID) error
}

type worldRuleProvider struct {
	log      *logger.Logger
	llm      openai.Client
	store    vectorstore.Store
	cache    rediscache.Cache
	rules    story.WorldRuleRepo
	cacheTTL time.Duration
}

func NewWorldRuleProvider(
	baseLog *logger.Logger,
	llm openai.Client,
	store vectorstore.Store,
	cache rediscache.Cache,
	rules story.WorldRuleRepo,
) WorldRuleProvider {
	return &worldRuleProvider{
		log:      baseLog.With("service", "WorldRuleProvider"),
		llm:      llm,
		store:    store,
		cache:    cache,
		rules:    rules,
		cacheTTL: envutil.DurationSeconds("RETRIEVAL_CACHE_TTL_SECONDS", 5*time.Minute),
	}
}

func (p *worldRuleProvider) Retrieve(ctx context.Context, scope WorldRuleScope, req Request) ([]RankedResult, error) {
	if scope.TrilogyID == uuid.Nil {
		return nil, fmt.Errorf("trilogy id required")
	}
	req = req.withDefaults()
	if strings.TrimSpace(req.QueryText) == "" {
		return []RankedResult{}, nil
	}

	cacheKey := p.cacheKey(scope, req)
	if raw, hit, err := p.cache.Get(ctx, cacheKey); err == nil && hit {
		var cached []RankedResult
		if uErr := json.Unmarshal(raw, &cached); uErr == nil {
			return cached, nil
		}
	}

	results, err := p.retrieveUncached(ctx, scope, req)
	if err != nil {
		return nil, err
	}

	if raw, mErr := json.Marshal(results); mErr == nil {
		if sErr := p.cache.Set(ctx, cacheKey, raw, p.cacheTTL); sErr != nil {
			p.log.Warn("World-rule cache write failed", "error", sErr.Error())
		}
	}
	return results, nil
}

func (p *worldRuleProvider) retrieveUncached(ctx context.Context, scope WorldRuleScope, req Request) ([]RankedResult, error) {
	embeddings, err := p.llm.Embed(ctx, []string{req.QueryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := p.store.Query(ctx,
		contextstore.WorldCollection(scope.TrilogyID),
		embeddings[0],
		req.MaxResults*OverfetchFactor,
		map[string]any{contextstore.MetaKind: contextstore.KindRule},
	)
	if err != nil {
		return nil, fmt.Errorf("query world collection: %w", err)
	}

	candidates := make([]RankedResult, 0, len(matches))
	ruleIDs := make([]uuid.UUID, 0, len(matches))
	for _, m := range matches {
		r := resultFromMatch(m)
		if r.Text == "" || r.RuleID == uuid.Nil || r.Similarity < req.SimilarityThreshold {
			continue
		}
		candidates = append(candidates, r)
		ruleIDs = append(ruleIDs, r.RuleID)
	}
	if len(candidates) == 0 {
		return []RankedResult{}, nil
	}

	applicable, err := p.rules.FilterApplicable(dbctx.Context{Ctx: ctx}, ruleIDs, scope.BookID)
	if err != nil {
		return nil, fmt.Errorf("resolve rule applicability: %w", err)
	}

	results := make([]RankedResult, 0, len(candidates))
	for _, r := range candidates {
		rule, ok := applicable[r.RuleID]
		if !ok {
			continue
		}
		r.Confidence = rule.Confidence
		if r.Confidence < LowConfidenceCutoff {
			r.Similarity *= LowConfidenceWeight
			if r.Similarity < req.SimilarityThreshold {
				continue
			}
		}
		r.Explanation = Explain(req.QueryText, r.Text, r.Similarity)
		results = append(results, r)
	}
	return sortAndTruncate(results, req.MaxResults), nil
}

func (p *worldRuleProvider) Invalidate(ctx context.Context, trilogyID uuid.UUID) error {
	if trilogyID == uuid.Nil {
		return nil
	}
	// Cache keys embed the query hash, so point invalidation is impossible;
	// a short TTL bounds staleness instead. The version marker below forces
	// fresh keys immediately after rule mutations.
	return p.cache.Set(ctx, p.versionKey(trilogyID),
		[]byte(fmt.Sprintf("%d", time.Now().UnixNano())), 24*time.Hour)
}

func (p *worldRuleProvider) cacheKey(scope WorldRuleScope, req Request) string {
	version := "0"
	if raw, hit, err := p.cache.Get(context.Background(), p.versionKey(scope.TrilogyID)); err == nil && hit {
		version = string(raw)
	}
	sum := sha256.Sum256([]byte(req.QueryText))
	return fmt.Sprintf("rctx:world:%s:%s:v%s:%d:%.2f:%s",
		scope.TrilogyID, scope.BookID, version,
		req.MaxResults, req.SimilarityThreshold,
		hex.EncodeToString(sum[:]),
	)
}

func (p *worldRuleProvider) versionKey(trilogyID uuid.UUID) string {
	return "rctx:world:" + trilogyID.String() + ":version"
}
