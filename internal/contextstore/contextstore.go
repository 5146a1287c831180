package contextstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/clients/openai"
	"github.com/storysmith/storysmith-backend/internal/data/repos/story"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/platform/vectorstore"
)

// Document kinds stored in an entity's collection.
const (
	KindProfile         = "profile"
	KindTraits          = "traits"
	KindArc             = "arc"
	KindThemes          = "themes"
	KindGeneratedSample = "generated_sample"
	KindRule            = "rule"
)

// Payload keys shared between the writers here and the retrieval providers.
const (
	MetaKind        = "kind"
	MetaText        = "text"
	MetaCreatedAt   = "created_at"
	MetaConfidence  = "confidence"
	MetaRuleID      = "rule_id"
	MetaCharacterID = "character_id"
	MetaSceneID     = "scene_id"
	MetaTitle       = "title"
	MetaCategory    = "category"
)

// CharacterCollection names the logical collection holding one character's
// context documents.
func CharacterCollection(characterID uuid.UUID) string {
	return "character:" + characterID.String()
}

// WorldCollection names the logical collection holding a trilogy's world rules.
func WorldCollection(trilogyID uuid.UUID) string {
	return "world:" + trilogyID.String()
}

// StatusListener receives readiness changes for entities whose context
// documents are being (re)built. Implementations must not block.
type StatusListener interface {
	CharacterContextStatus(userID, characterID uuid.UUID, status string)
}

// Service writes context documents into the vector store. Profile documents
// are replaced wholesale on edit; generated samples only accumulate.
type Service interface {
	SeedCharacter(ctx context.Context, character *domain.Character) error
	AppendGeneratedSample(ctx context.Context, characterID, sceneID uuid.UUID, text string) error
	UpsertRule(ctx context.Context, rule *domain.WorldRule) error
	DeleteRule(ctx context.Context, trilogyID, ruleID uuid.UUID) error
	DropCharacter(ctx context.Context, characterID uuid.UUID) error
	DropWorld(ctx context.Context, trilogyID uuid.UUID) error
}

type service struct {
	log        *logger.Logger
	llm        openai.Client
	store      vectorstore.Store
	characters story.CharacterRepo
	listener   StatusListener
}

func NewService(
	baseLog *logger.Logger,
	llm openai.Client,
	store vectorstore.Store,
	characters story.CharacterRepo,
	listener StatusListener,
) Service {
	return &service{
		log:        baseLog.With("service", "ContextStoreService"),
		llm:        llm,
		store:      store,
		characters: characters,
		listener:   listener,
	}
}

type seedDoc struct {
	id   string
	kind string
	text string
}

// SeedCharacter embeds the character's profile fields and replaces the
// corresponding documents in the character's collection. Document ids are
// stable per kind so re-seeding after an edit overwrites in place.
func (s *service) SeedCharacter(ctx context.Context, character *domain.Character) error {
	if character == nil || character.ID == uuid.Nil {
		return fmt.Errorf("character required")
	}

	docs := make([]seedDoc, 0, 4)
	appendDoc := func(kind, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		docs = append(docs, seedDoc{id: kind, kind: kind, text: embedText(character.Name, kind, text)})
	}
	appendDoc(KindProfile, character.Profile)
	appendDoc(KindTraits, character.Traits)
	appendDoc(KindArc, character.Arc)
	appendDoc(KindThemes, character.Themes)

	if len(docs) == 0 {
		s.setStatus(ctx, character, domain.ContextStatusReady)
		return nil
	}

	inputs := make([]string, len(docs))
	for i, d := range docs {
		inputs[i] = d.text
	}
	embeddings, err := s.llm.Embed(ctx, inputs)
	if err != nil {
		s.setStatus(ctx, character, domain.ContextStatusFailed)
		return fmt.Errorf("embed character docs: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	vectors := make([]vectorstore.Vector, len(docs))
	for i, d := range docs {
		vectors[i] = vectorstore.Vector{
			ID:     d.id,
			Values: embeddings[i],
			Metadata: map[string]any{
				MetaKind:        d.kind,
				MetaText:        d.text,
				MetaCharacterID: character.ID.String(),
				MetaCreatedAt:   now,
			},
		}
	}

	if err := s.store.Upsert(ctx, CharacterCollection(character.ID), vectors); err != nil {
		s.setStatus(ctx, character, domain.ContextStatusFailed)
		return fmt.Errorf("upsert character docs: %w", err)
	}

	s.setStatus(ctx, character, domain.ContextStatusReady)
	return nil
}

// AppendGeneratedSample adds generated prose to the character's collection so
// future generations can match against the character's established voice.
// Sample documents are never replaced, only appended.
func (s *service) AppendGeneratedSample(ctx context.Context, characterID, sceneID uuid.UUID, text string) error {
	if characterID == uuid.Nil {
		return fmt.Errorf("character id required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("sample text required")
	}

	embeddings, err := s.llm.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed generated sample: %w", err)
	}

	now := time.Now().UTC()
	meta := map[string]any{
		MetaKind:        KindGeneratedSample,
		MetaText:        text,
		MetaCharacterID: characterID.String(),
		MetaCreatedAt:   now.Format(time.RFC3339),
	}
	if sceneID != uuid.Nil {
		meta[MetaSceneID] = sceneID.String()
	}

	vec := vectorstore.Vector{
		ID:       fmt.Sprintf("sample:%d:%s", now.UnixNano(), uuid.NewString()),
		Values:   embeddings[0],
		Metadata: meta,
	}
	if err := s.store.Upsert(ctx, CharacterCollection(characterID), []vectorstore.Vector{vec}); err != nil {
		return fmt.Errorf("upsert generated sample: %w", err)
	}
	return nil
}

// UpsertRule embeds the rule (title and category folded into the embedded
// text) and writes it into the trilogy's world collection under a stable id.
func (s *service) UpsertRule(ctx context.Context, rule *domain.WorldRule) error {
	if rule == nil || rule.ID == uuid.Nil || rule.TrilogyID == uuid.Nil {
		return fmt.Errorf("rule required")
	}
	text := strings.TrimSpace(rule.RuleText)
	if text == "" {
		return fmt.Errorf("rule text required")
	}

	embedded := embedText(rule.Title, rule.Category, text)
	embeddings, err := s.llm.Embed(ctx, []string{embedded})
	if err != nil {
		return fmt.Errorf("embed rule: %w", err)
	}

	vec := vectorstore.Vector{
		ID:     "rule:" + rule.ID.String(),
		Values: embeddings[0],
		Metadata: map[string]any{
			MetaKind:       KindRule,
			MetaText:       text,
			MetaRuleID:     rule.ID.String(),
			MetaTitle:      rule.Title,
			MetaCategory:   rule.Category,
			MetaConfidence: rule.Confidence,
			MetaCreatedAt:  time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.store.Upsert(ctx, WorldCollection(rule.TrilogyID), []vectorstore.Vector{vec}); err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

func (s *service) DeleteRule(ctx context.Context, trilogyID, ruleID uuid.UUID) error {
	if trilogyID == uuid.Nil || ruleID == uuid.Nil {
		return nil
	}
	return s.store.DeleteIDs(ctx, WorldCollection(trilogyID), []string{"rule:" + ruleID.String()})
}

func (s *service) DropCharacter(ctx context.Context, characterID uuid.UUID) error {
	if characterID == uuid.Nil {
		return nil
	}
	return s.store.DropCollection(ctx, CharacterCollection(characterID))
}

func (s *service) DropWorld(ctx context.Context, trilogyID uuid.UUID) error {
	if trilogyID == uuid.Nil {
		return nil
	}
	return s.store.DropCollection(ctx, WorldCollection(trilogyID))
}

func (s *service) setStatus(ctx context.Context, character *domain.Character, status string) {
	if err := s.characters.UpdateContextStatus(dbctx.Context{Ctx: ctx}, character.ID, status); err != nil {
		s.log.Warn("Character context status update failed",
			"character_id", character.ID,
			"status", status,
			"error", err.Error(),
		)
		return
	}
	if s.listener != nil {
		s.listener.CharacterContextStatus(character.UserID, character.ID, status)
	}
}

// embedText folds the entity's name or title into the embedded text so queries
// mentioning it by name match. The calibration boost in retrieval compensates
// for the dilution this causes on purely semantic queries.
func embedText(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
