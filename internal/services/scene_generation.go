package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storysmith/storysmith-backend/internal/clients/openai"
	"github.com/storysmith/storysmith-backend/internal/contextstore"
	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	storyrepo "github.com/storysmith/storysmith-backend/internal/data/repos/story"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/retrieval"
)

// ErrJobCancelled aborts the pipeline at a stage boundary after a cooperative
// cancellation check. An LLM call already in flight runs to completion and its
// result is discarded.
var ErrJobCancelled = errors.New("generation cancelled")

// GenerationError wraps any downstream failure that is not an LLM or timeout
// failure. Retryable by default.
type GenerationError struct {
	Message string
	Cause   error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// Token budget is sized at 1.5x the word target; temperature is fixed so
// regenerations of the same scene vary in content, not in adherence.
const (
	tokensPerWordFactor = 1.5
	genTemperature      = 0.8
	genTopP             = 0.9

	ruleMaxResults      = 8
	characterMaxResults = 6
)

type GenerateRequest struct {
	JobID           uuid.UUID
	UserID          uuid.UUID
	TrilogyID       uuid.UUID
	BookID          uuid.UUID
	SceneID         uuid.UUID
	CharacterID     uuid.UUID
	PlotPoints      string
	TargetWordCount int
	ChangeDesc      string
}

type GenerateResult struct {
	VersionID     uuid.UUID
	VersionNumber int
	WordCount     int
	ModelID       string
	Text          string
}

// ProgressSink receives stage transitions from the pipeline and answers the
// cooperative cancellation checks at stage boundaries.
type ProgressSink interface {
	Progress(ctx context.Context, stage string, pct int, eta *time.Time)
	Cancelled(ctx context.Context) bool
}

// SceneGenerator runs the full generation pipeline for one scene: parallel
// context retrieval, prompt assembly, the LLM call, version persistence,
// provenance recording, and best-effort context enrichment.
type SceneGenerator interface {
	Generate(ctx context.Context, req GenerateRequest, sink ProgressSink) (*GenerateResult, error)
}

type sceneGenerator struct {
	log        *logger.Logger
	llm        openai.Client
	characters retrieval.CharacterProvider
	rules      retrieval.WorldRuleProvider
	ctxStore   contextstore.Service

	sceneRepo     storyrepo.SceneRepo
	characterRepo storyrepo.CharacterRepo
	versions      genrepo.VersionRepo
	records       genrepo.RecordRepo
}

func NewSceneGenerator(
	baseLog *logger.Logger,
	llm openai.Client,
	characters retrieval.CharacterProvider,
	rules retrieval.WorldRuleProvider,
	ctxStore contextstore.Service,
	sceneRepo storyrepo.SceneRepo,
	characterRepo storyrepo.CharacterRepo,
	versions genrepo.VersionRepo,
	records genrepo.RecordRepo,
) SceneGenerator {
	return &sceneGenerator{
		log:           baseLog.With("service", "SceneGenerator"),
		llm:           llm,
		characters:    characters,
		rules:         rules,
		ctxStore:      ctxStore,
		sceneRepo:     sceneRepo,
		characterRepo: characterRepo,
		versions:      versions,
		records:       records,
	}
}

func (g *sceneGenerator) Generate(ctx context.Context, req GenerateRequest, sink ProgressSink) (*GenerateResult, error) {
	if req.SceneID == uuid.Nil || req.CharacterID == uuid.Nil {
		return nil, &GenerationError{Message: "scene id and character id are required"}
	}
	if req.TargetWordCount <= 0 {
		req.TargetWordCount = 500
	}

	dbc := dbctx.Context{Ctx: ctx}
	scene, err := g.sceneRepo.GetByID(dbc, req.SceneID)
	if err != nil {
		return nil, &GenerationError{Message: "load scene", Cause: err}
	}
	if scene == nil {
		return nil, &GenerationError{Message: fmt.Sprintf("scene %s not found", req.SceneID)}
	}
	character, err := g.characterRepo.GetByID(dbc, req.CharacterID)
	if err != nil {
		return nil, &GenerationError{Message: "load character", Cause: err}
	}
	if character == nil {
		return nil, &GenerationError{Message: fmt.Sprintf("character %s not found", req.CharacterID)}
	}

	eta := estimateETA(req.TargetWordCount)
	sink.Progress(ctx, "retrieving_context", 10, &eta)

	queryText := req.PlotPoints
	if queryText == "" {
		queryText = scene.Title
	}
	charCtx, ruleCtx, samples := g.fetchContext(ctx, req, character, queryText)

	if sink.Cancelled(ctx) {
		return nil, ErrJobCancelled
	}

	sink.Progress(ctx, "assembling_prompt", 35, &eta)
	prompt := BuildScenePrompt(PromptInput{
		Character:        character,
		Scene:            scene,
		CharacterContext: charCtx,
		WorldRules:       ruleCtx,
		PriorSamples:     samples,
		PlotPoints:       req.PlotPoints,
		TargetWordCount:  req.TargetWordCount,
		ChangeDesc:       req.ChangeDesc,
	})

	sink.Progress(ctx, "generating", 45, &eta)
	text, err := g.llm.GenerateText(ctx, openai.GenerationRequest{
		Prompt:      prompt,
		MaxTokens:   int(float64(req.TargetWordCount) * tokensPerWordFactor),
		Temperature: genTemperature,
		TopP:        genTopP,
	})
	if err != nil {
		return nil, err
	}

	// The in-flight call was allowed to finish; a cancellation seen now
	// discards the result rather than persisting it.
	if sink.Cancelled(ctx) {
		return nil, ErrJobCancelled
	}

	sink.Progress(ctx, "persisting", 80, nil)
	version := &domain.ContentVersion{
		SceneID:           req.SceneID,
		Body:              text,
		WordCount:         CountWords(text),
		MachineGenerated:  true,
		ChangeDescription: req.ChangeDesc,
		CreatedByModel:    g.llm.Model(),
	}
	if req.UserID != uuid.Nil {
		version.CreatedByUserID = &req.UserID
	}
	if _, err := g.versions.CreateNext(dbc, version); err != nil {
		return nil, &GenerationError{Message: "persist content version", Cause: err}
	}

	g.recordProvenance(ctx, req, version, ruleCtx, prompt, text)

	sink.Progress(ctx, "enriching_context", 95, nil)
	g.enrichContext(ctx, req, text)

	return &GenerateResult{
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		WordCount:     version.WordCount,
		ModelID:       g.llm.Model(),
		Text:          text,
	}, nil
}

// fetchContext runs the three independent retrievals concurrently. A failed or
// empty source degrades to an empty slice; the scene is still generated with
// whatever context survived.
func (g *sceneGenerator) fetchContext(
	ctx context.Context,
	req GenerateRequest,
	character *domain.Character,
	queryText string,
) (charCtx, ruleCtx, samples []retrieval.RankedResult) {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		results, err := g.characters.Retrieve(egCtx, req.CharacterID, retrieval.Request{
			QueryText:  queryText,
			MaxResults: characterMaxResults,
		})
		if err != nil {
			g.log.Warn("Character context retrieval degraded to empty",
				"job_id", req.JobID, "character_id", req.CharacterID, "error", err.Error())
			return nil
		}
		charCtx = results
		return nil
	})

	eg.Go(func() error {
		results, err := g.rules.Retrieve(egCtx,
			retrieval.WorldRuleScope{TrilogyID: req.TrilogyID, BookID: req.BookID},
			retrieval.Request{QueryText: queryText, MaxResults: ruleMaxResults},
		)
		if err != nil {
			g.log.Warn("World-rule retrieval degraded to empty",
				"job_id", req.JobID, "trilogy_id", req.TrilogyID, "error", err.Error())
			return nil
		}
		ruleCtx = results
		return nil
	})

	if character.GenerationCount > 0 {
		eg.Go(func() error {
			results, err := g.characters.RecentSamples(egCtx, req.CharacterID, queryText, maxPriorSamples)
			if err != nil {
				g.log.Warn("Prior sample retrieval degraded to empty",
					"job_id", req.JobID, "character_id", req.CharacterID, "error", err.Error())
				return nil
			}
			samples = results
			return nil
		})
	}

	_ = eg.Wait()
	return charCtx, ruleCtx, samples
}

type ruleUsage struct {
	RuleID     uuid.UUID `json:"rule_id"`
	Similarity float64   `json:"similarity"`
	Confidence float64   `json:"confidence"`
	Critical   bool      `json:"critical"`
}

// recordProvenance captures which rules shaped the prompt and rough token
// accounting. Failures are logged and swallowed; generation already succeeded.
func (g *sceneGenerator) recordProvenance(
	ctx context.Context,
	req GenerateRequest,
	version *domain.ContentVersion,
	rules []retrieval.RankedResult,
	prompt, output string,
) {
	usages := make([]ruleUsage, 0, len(rules))
	for _, r := range rules {
		usages = append(usages, ruleUsage{
			RuleID:     r.RuleID,
			Similarity: r.Similarity,
			Confidence: r.Confidence,
			Critical:   r.Critical(),
		})
	}
	raw, err := json.Marshal(usages)
	if err != nil {
		g.log.Warn("Provenance marshal failed", "job_id", req.JobID, "error", err.Error())
		return
	}

	rec := &domain.GenerationRecord{
		JobID:        req.JobID,
		SceneID:      req.SceneID,
		VersionID:    version.ID,
		ModelID:      g.llm.Model(),
		RulesUsed:    raw,
		PromptTokens: approximateTokens(prompt),
		OutputTokens: approximateTokens(output),
	}
	if err := g.records.Create(dbctx.Context{Ctx: ctx}, rec); err != nil {
		g.log.Warn("Provenance record failed", "job_id", req.JobID, "error", err.Error())
	}
}

// enrichContext appends the generated text to the character's collection and
// bumps the generation counter. Both are best-effort side effects.
func (g *sceneGenerator) enrichContext(ctx context.Context, req GenerateRequest, text string) {
	if err := g.ctxStore.AppendGeneratedSample(ctx, req.CharacterID, req.SceneID, text); err != nil {
		g.log.Warn("Generated-sample enrichment failed",
			"job_id", req.JobID, "character_id", req.CharacterID, "error", err.Error())
		return
	}
	if err := g.characterRepo.IncrementGenerationCount(dbctx.Context{Ctx: ctx}, req.CharacterID); err != nil {
		g.log.Warn("Generation count increment failed",
			"job_id", req.JobID, "character_id", req.CharacterID, "error", err.Error())
	}
}

func approximateTokens(text string) int {
	// Rough chars/4 heuristic; provenance needs scale, not precision.
	return (len(text) + 3) / 4
}

func estimateETA(targetWords int) time.Time {
	seconds := 20 + targetWords/25
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
