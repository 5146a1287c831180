package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/data/repos/story"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/platform/vectorstore"

	"github.com/storysmith/storysmith-backend/internal/clients/openai"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

type fakeLLM struct {
	embedCalls int
}

func (f *fakeLLM) GenerateText(ctx context.Context, req openai.GenerationRequest) (string, error) {
	return "generated text", nil
}

func (f *fakeLLM) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.embedCalls++
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeLLM) Model() string { return "test-model" }
func (f *fakeLLM) EmbedDim() int { return 3 }

type fakeStore struct {
	queryCalls int
	matches    []vectorstore.Match
	upserts    map[string][]vectorstore.Vector
}

func newFakeStore(matches []vectorstore.Match) *fakeStore {
	return &fakeStore{matches: matches, upserts: map[string][]vectorstore.Vector{}}
}

func (f *fakeStore) Upsert(ctx context.Context, collection string, vectors []vectorstore.Vector) error {
	f.upserts[collection] = append(f.upserts[collection], vectors...)
	return nil
}

func (f *fakeStore) Query(ctx context.Context, collection string, q []float32, topK int, filter map[string]any) ([]vectorstore.Match, error) {
	f.queryCalls++
	if topK < len(f.matches) {
		return f.matches[:topK], nil
	}
	return f.matches, nil
}

func (f *fakeStore) DeleteIDs(ctx context.Context, collection string, ids []string) error { return nil }
func (f *fakeStore) DropCollection(ctx context.Context, collection string) error          { return nil }
func (f *fakeStore) Ready(ctx context.Context) error                                      { return nil }

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok := f.data[key]
	return raw, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeCache) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeCache) Close() error { return nil }

type fakeWorldRuleRepo struct {
	applicable map[uuid.UUID]*domain.WorldRule
}

func (f *fakeWorldRuleRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.WorldRule, error) {
	var out []*domain.WorldRule
	for _, id := range ids {
		if rule, ok := f.applicable[id]; ok {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (f *fakeWorldRuleRepo) FilterApplicable(dbc dbctx.Context, ids []uuid.UUID, bookID uuid.UUID) (map[uuid.UUID]*domain.WorldRule, error) {
	out := make(map[uuid.UUID]*domain.WorldRule)
	for _, id := range ids {
		if rule, ok := f.applicable[id]; ok {
			out[id] = rule
		}
	}
	return out, nil
}

var _ story.WorldRuleRepo = (*fakeWorldRuleRepo)(nil)

func ruleMatch(id string, ruleID uuid.UUID, score float64, text string) vectorstore.Match {
	return vectorstore.Match{
		ID:    id,
		Score: score,
		Payload: map[string]any{
			"kind":    "rule",
			"text":    text,
			"rule_id": ruleID.String(),
		},
	}
}

func TestCharacterProviderFiltersByThreshold(t *testing.T) {
	store := newFakeStore([]vectorstore.Match{
		{ID: "profile", Score: 0.8, Payload: map[string]any{"kind": "profile", "text": "a stoic knight"}},
		{ID: "traits", Score: 0.1, Payload: map[string]any{"kind": "traits", "text": "blunt, loyal"}},
	})
	p := NewCharacterProvider(testLogger(t), &fakeLLM{}, store)

	results, err := p.Retrieve(context.Background(), uuid.New(), Request{
		QueryText:           "knight duel",
		MaxResults:          5,
		SimilarityThreshold: 0.5,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len=%d, want 1 (low-similarity doc filtered)", len(results))
	}
	if results[0].DocumentID != "profile" {
		t.Fatalf("kept %q, want profile", results[0].DocumentID)
	}
	if results[0].Explanation == "" {
		t.Fatal("missing relevance explanation")
	}
}

func TestCharacterProviderEmbedsQueryOnce(t *testing.T) {
	llm := &fakeLLM{}
	p := NewCharacterProvider(testLogger(t), llm, newFakeStore(nil))

	if _, err := p.Retrieve(context.Background(), uuid.New(), Request{QueryText: "scene"}); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if llm.embedCalls != 1 {
		t.Fatalf("embedCalls=%d, want 1", llm.embedCalls)
	}
}

func TestRecentSamplesOrdersByRecency(t *testing.T) {
	older := time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	newer := time.Now().Add(-1 * time.Minute).Format(time.RFC3339)
	store := newFakeStore([]vectorstore.Match{
		{ID: "s1", Score: 0.9, Payload: map[string]any{"kind": "generated_sample", "text": "old sample", "created_at": older}},
		{ID: "s2", Score: 0.5, Payload: map[string]any{"kind": "generated_sample", "text": "new sample", "created_at": newer}},
	})
	p := NewCharacterProvider(testLogger(t), &fakeLLM{}, store)

	samples, err := p.RecentSamples(context.Background(), uuid.New(), "scene", 2)
	if err != nil {
		t.Fatalf("RecentSamples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("len=%d, want 2", len(samples))
	}
	// Recency beats similarity for voice samples.
	if samples[0].Text != "new sample" {
		t.Fatalf("first sample=%q, want most recent", samples[0].Text)
	}
}

func TestWorldRuleProviderIntersectsApplicability(t *testing.T) {
	applicableID := uuid.New()
	inapplicableID := uuid.New()
	store := newFakeStore([]vectorstore.Match{
		ruleMatch("r1", applicableID, 0.8, "dragons cannot swim"),
		ruleMatch("r2", inapplicableID, 0.9, "only book three has airships"),
	})
	repo := &fakeWorldRuleRepo{applicable: map[uuid.UUID]*domain.WorldRule{
		applicableID: {ID: applicableID, Confidence: 1.0, Active: true},
	}}
	p := NewWorldRuleProvider(testLogger(t), &fakeLLM{}, store, newFakeCache(), repo)

	results, err := p.Retrieve(context.Background(),
		WorldRuleScope{TrilogyID: uuid.New(), BookID: uuid.New()},
		Request{QueryText: "dragons at sea", MaxResults: 5, SimilarityThreshold: 0.3},
	)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len=%d, want 1 (inapplicable rule dropped)", len(results))
	}
	if results[0].RuleID != applicableID {
		t.Fatalf("kept rule %s, want %s", results[0].RuleID, applicableID)
	}
}

func TestWorldRuleProviderDownWeightsLowConfidence(t *testing.T) {
	confidentID := uuid.New()
	shakyID := uuid.New()
	store := newFakeStore([]vectorstore.Match{
		ruleMatch("r1", shakyID, 0.85, "maybe true"),
		ruleMatch("r2", confidentID, 0.8, "definitely true"),
	})
	repo := &fakeWorldRuleRepo{applicable: map[uuid.UUID]*domain.WorldRule{
		confidentID: {ID: confidentID, Confidence: 1.0, Active: true},
		shakyID:     {ID: shakyID, Confidence: 0.3, Active: true},
	}}
	p := NewWorldRuleProvider(testLogger(t), &fakeLLM{}, store, newFakeCache(), repo)

	results, err := p.Retrieve(context.Background(),
		WorldRuleScope{TrilogyID: uuid.New()},
		Request{QueryText: "truth", MaxResults: 5, SimilarityThreshold: 0.3},
	)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len=%d, want 2", len(results))
	}
	// Raw 0.85+boost beats 0.8+boost, but the 0.7 down-weight flips the order.
	if results[0].RuleID != confidentID {
		t.Fatalf("first=%s, want high-confidence rule", results[0].RuleID)
	}
	if results[1].Similarity >= results[0].Similarity {
		t.Fatalf("down-weighted similarity %v not below %v", results[1].Similarity, results[0].Similarity)
	}
}

func TestWorldRuleProviderCachesRankedResults(t *testing.T) {
	ruleID := uuid.New()
	store := newFakeStore([]vectorstore.Match{
		ruleMatch("r1", ruleID, 0.8, "iron repels spirits"),
	})
	repo := &fakeWorldRuleRepo{applicable: map[uuid.UUID]*domain.WorldRule{
		ruleID: {ID: ruleID, Confidence: 1.0, Active: true},
	}}
	p := NewWorldRuleProvider(testLogger(t), &fakeLLM{}, store, newFakeCache(), repo)

	scope := WorldRuleScope{TrilogyID: uuid.New()}
	req := Request{QueryText: "spirits in the forge", MaxResults: 5, SimilarityThreshold: 0.3}

	first, err := p.Retrieve(context.Background(), scope, req)
	if err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	second, err := p.Retrieve(context.Background(), scope, req)
	if err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}

	if store.queryCalls != 1 {
		t.Fatalf("queryCalls=%d, want 1 (second read served from cache)", store.queryCalls)
	}
	if len(first) != len(second) || first[0].RuleID != second[0].RuleID || first[0].Similarity != second[0].Similarity {
		t.Fatalf("cached results differ: %+v vs %+v", first, second)
	}
}

func TestWorldRuleProviderInvalidateForcesRefresh(t *testing.T) {
	oldRuleID := uuid.New()
	newRuleID := uuid.New()
	store := newFakeStore([]vectorstore.Match{
		ruleMatch("r1", oldRuleID, 0.8, "iron repels spirits"),
	})
	repo := &fakeWorldRuleRepo{applicable: map[uuid.UUID]*domain.WorldRule{
		oldRuleID: {ID: oldRuleID, Confidence: 1.0, Active: true},
		newRuleID: {ID: newRuleID, Confidence: 1.0, Active: true},
	}}
	p := NewWorldRuleProvider(testLogger(t), &fakeLLM{}, store, newFakeCache(), repo)

	scope := WorldRuleScope{TrilogyID: uuid.New()}
	req := Request{QueryText: "spirits in the forge", MaxResults: 5, SimilarityThreshold: 0.3}
	ctx := context.Background()

	first, err := p.Retrieve(ctx, scope, req)
	if err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	if len(first) != 1 || first[0].RuleID != oldRuleID {
		t.Fatalf("first=%+v, want the original rule", first)
	}

	// The rule is rewritten in the store. A plain re-read still serves the
	// cached ranking.
	store.matches = []vectorstore.Match{
		ruleMatch("r1", newRuleID, 0.9, "cold iron repels spirits of the deep"),
	}
	stale, err := p.Retrieve(ctx, scope, req)
	if err != nil {
		t.Fatalf("stale Retrieve: %v", err)
	}
	if store.queryCalls != 1 || len(stale) != 1 || stale[0].RuleID != oldRuleID {
		t.Fatalf("pre-invalidate read bypassed the cache: calls=%d results=%+v", store.queryCalls, stale)
	}

	if err := p.Invalidate(ctx, scope.TrilogyID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	fresh, err := p.Retrieve(ctx, scope, req)
	if err != nil {
		t.Fatalf("post-invalidate Retrieve: %v", err)
	}
	if store.queryCalls != 2 {
		t.Fatalf("queryCalls=%d, want 2 (invalidate must force a store round trip)", store.queryCalls)
	}
	if len(fresh) != 1 || fresh[0].RuleID != newRuleID {
		t.Fatalf("fresh=%+v, want the rewritten rule", fresh)
	}
}
