package services

import (
	"fmt"
	"strings"

	"github.com/storysmith/storysmith-backend/internal/contextstore"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/retrieval"
)

// Prior samples are truncated so two of them cannot crowd the plot points out
// of the context window.
const (
	maxPriorSamples  = 2
	sampleWordBudget = 300
)

// PromptInput carries everything the prompt assembler folds into one
// structured generation prompt.
type PromptInput struct {
	Character        *domain.Character
	Scene            *domain.Scene
	CharacterContext []retrieval.RankedResult
	WorldRules       []retrieval.RankedResult
	PriorSamples     []retrieval.RankedResult
	PlotPoints       string
	TargetWordCount  int
	ChangeDesc       string
}

// BuildScenePrompt assembles the generation prompt in a fixed section order:
// character identity, world rules (critical ones flagged), prior voice
// samples, then the scene brief with the exact word target.
func BuildScenePrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString("You are a fiction co-writer drafting one scene of a novel.\n\n")

	writeCharacterSection(&b, in)
	writeRuleSection(&b, in.WorldRules)
	writeSampleSection(&b, in)
	writeSceneBrief(&b, in)

	return strings.TrimSpace(b.String())
}

func writeCharacterSection(b *strings.Builder, in PromptInput) {
	name := "the viewpoint character"
	if in.Character != nil && strings.TrimSpace(in.Character.Name) != "" {
		name = in.Character.Name
	}
	fmt.Fprintf(b, "## Character: %s\n", name)

	if len(in.CharacterContext) == 0 {
		b.WriteString("No stored character context is available; infer the voice from the scene brief.\n\n")
		return
	}

	order := []string{
		contextstore.KindProfile,
		contextstore.KindTraits,
		contextstore.KindArc,
		contextstore.KindThemes,
	}
	labels := map[string]string{
		contextstore.KindProfile: "Profile",
		contextstore.KindTraits:  "Traits",
		contextstore.KindArc:     "Arc",
		contextstore.KindThemes:  "Themes",
	}
	byKind := make(map[string][]retrieval.RankedResult)
	for _, r := range in.CharacterContext {
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}
	for _, kind := range order {
		for _, r := range byKind[kind] {
			fmt.Fprintf(b, "### %s\n%s\n", labels[kind], strings.TrimSpace(r.Text))
		}
	}
	b.WriteString("\n")
}

func writeRuleSection(b *strings.Builder, rules []retrieval.RankedResult) {
	if len(rules) == 0 {
		return
	}
	b.WriteString("## World rules\n")
	b.WriteString("The scene must stay consistent with these established rules:\n")
	for _, r := range rules {
		marker := "-"
		if r.Critical() {
			marker = "- [CRITICAL]"
		}
		text := strings.TrimSpace(r.Text)
		if strings.TrimSpace(r.Title) != "" {
			fmt.Fprintf(b, "%s %s: %s\n", marker, strings.TrimSpace(r.Title), text)
		} else {
			fmt.Fprintf(b, "%s %s\n", marker, text)
		}
	}
	b.WriteString("\n")
}

func writeSampleSection(b *strings.Builder, in PromptInput) {
	if in.Character == nil || in.Character.GenerationCount == 0 {
		return
	}
	samples := in.PriorSamples
	if len(samples) > maxPriorSamples {
		samples = samples[:maxPriorSamples]
	}
	if len(samples) == 0 {
		return
	}
	b.WriteString("## Voice samples\n")
	b.WriteString("Match the voice of these earlier passages (most recent first):\n")
	for i, s := range samples {
		fmt.Fprintf(b, "### Sample %d\n%s\n", i+1, TruncateWords(s.Text, sampleWordBudget))
	}
	b.WriteString("\n")
}

func writeSceneBrief(b *strings.Builder, in PromptInput) {
	b.WriteString("## Scene brief\n")
	if in.Scene != nil && strings.TrimSpace(in.Scene.Title) != "" {
		fmt.Fprintf(b, "Title: %s\n", in.Scene.Title)
	}
	if strings.TrimSpace(in.PlotPoints) != "" {
		fmt.Fprintf(b, "Plot points:\n%s\n", strings.TrimSpace(in.PlotPoints))
	}
	if strings.TrimSpace(in.ChangeDesc) != "" {
		fmt.Fprintf(b, "Revision notes: %s\n", strings.TrimSpace(in.ChangeDesc))
	}
	fmt.Fprintf(b, "\nWrite the scene as polished narrative prose of exactly %d words. ", in.TargetWordCount)
	b.WriteString("Output only the scene text with no headings or commentary.\n")
}

// TruncateWords cuts text to at most limit whitespace-separated words,
// appending an ellipsis when anything was dropped.
func TruncateWords(text string, limit int) string {
	words := strings.Fields(text)
	if limit <= 0 || len(words) <= limit {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[:limit], " ") + " ..."
}

// CountWords is the word-count definition used everywhere a count is stored:
// whitespace tokenization, nothing smarter.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
