package app

import (
	"github.com/storysmith/storysmith-backend/internal/contextstore"
	"github.com/storysmith/storysmith-backend/internal/jobs/handlers"
	"github.com/storysmith/storysmith-backend/internal/jobs/runtime"
	"github.com/storysmith/storysmith-backend/internal/jobs/worker"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/retrieval"
	"github.com/storysmith/storysmith-backend/internal/services"
	"github.com/storysmith/storysmith-backend/internal/sse"
)

type Services struct {
	Notifier     services.JobNotifier
	Tracker      services.JobTracker
	Jobs         services.JobService
	Generator    services.SceneGenerator
	ContextStore contextstore.Service

	CharacterProvider retrieval.CharacterProvider
	WorldRuleProvider retrieval.WorldRuleProvider

	Registry  *runtime.Registry
	JobWorker *worker.Worker
}

func wireServices(log *logger.Logger, clients Clients, repos Repos, hub *sse.Hub) (Services, error) {
	notifier := services.NewJobNotifier(hub)
	tracker := services.NewJobTracker(log, repos.Jobs, repos.Events, clients.Cache, notifier)
	jobService := services.NewJobService(log, tracker, repos.Jobs, repos.Tasks, repos.Events, clients.Cache)

	ctxStore := contextstore.NewService(log, clients.LLM, clients.Vector, repos.Characters, notifier)
	characterProvider := retrieval.NewCharacterProvider(log, clients.LLM, clients.Vector)
	worldRuleProvider := retrieval.NewWorldRuleProvider(log, clients.LLM, clients.Vector, clients.Cache, repos.WorldRules)

	generator := services.NewSceneGenerator(
		log,
		clients.LLM,
		characterProvider,
		worldRuleProvider,
		ctxStore,
		repos.Scenes,
		repos.Characters,
		repos.Versions,
		repos.Records,
	)

	registry := runtime.NewRegistry()
	if err := registry.Register(handlers.NewSceneGenerationHandler(log, generator)); err != nil {
		return Services{}, err
	}
	jobWorker := worker.NewWorker(log, repos.Tasks, repos.Jobs, tracker, registry)

	return Services{
		Notifier:          notifier,
		Tracker:           tracker,
		Jobs:              jobService,
		Generator:         generator,
		ContextStore:      ctxStore,
		CharacterProvider: characterProvider,
		WorldRuleProvider: worldRuleProvider,
		Registry:          registry,
		JobWorker:         jobWorker,
	}, nil
}
