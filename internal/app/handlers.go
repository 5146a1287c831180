package app

import (
	"gorm.io/gorm"

	httpH "github.com/storysmith/storysmith-backend/internal/http/handlers"
	"github.com/storysmith/storysmith-backend/internal/sse"
)

type Handlers struct {
	Generation *httpH.GenerationHandler
	Jobs       *httpH.JobHandler
	Stream     *httpH.StreamHandler
	Health     *httpH.HealthHandler
}

func wireHandlers(db *gorm.DB, clients Clients, repos Repos, svcs Services, hub *sse.Hub) Handlers {
	return Handlers{
		Generation: httpH.NewGenerationHandler(svcs.Jobs, repos.Scenes, repos.Versions, repos.Records),
		Jobs:       httpH.NewJobHandler(svcs.Jobs),
		Stream:     httpH.NewStreamHandler(hub),
		Health:     httpH.NewHealthHandler(db, clients.Vector),
	}
}
