package app

import (
	"gorm.io/gorm"

	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	storyrepo "github.com/storysmith/storysmith-backend/internal/data/repos/story"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

type Repos struct {
	Jobs       genrepo.JobRepo
	Tasks      genrepo.TaskRepo
	Versions   genrepo.VersionRepo
	Records    genrepo.RecordRepo
	Events     genrepo.EventRepo
	Characters storyrepo.CharacterRepo
	WorldRules storyrepo.WorldRuleRepo
	Scenes     storyrepo.SceneRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Jobs:       genrepo.NewJobRepo(db, log),
		Tasks:      genrepo.NewTaskRepo(db, log),
		Versions:   genrepo.NewVersionRepo(db, log),
		Records:    genrepo.NewRecordRepo(db, log),
		Events:     genrepo.NewEventRepo(db, log),
		Characters: storyrepo.NewCharacterRepo(db, log),
		WorldRules: storyrepo.NewWorldRuleRepo(db, log),
		Scenes:     storyrepo.NewSceneRepo(db, log),
	}
}
