package domain

import "github.com/google/uuid"

const TaskTypeSceneGeneration = "scene_generation"

// TaskPayload is the serialized work descriptor carried by a GenerationTask.
// It holds everything a worker needs to run the pipeline without consulting
// the tracker first.
type TaskPayload struct {
	Type              string    `json:"type"`
	UserID            uuid.UUID `json:"user_id,omitempty"`
	TrilogyID         uuid.UUID `json:"trilogy_id"`
	BookID            uuid.UUID `json:"book_id"`
	SceneID           uuid.UUID `json:"scene_id"`
	CharacterID       uuid.UUID `json:"character_id"`
	PlotPoints        string    `json:"plot_points,omitempty"`
	TargetWordCount   int       `json:"target_word_count"`
	ChangeDescription string    `json:"change_description,omitempty"`
	VersionHint       int       `json:"version_hint,omitempty"`
}
