package app

import (
	"fmt"

	"github.com/storysmith/storysmith-backend/internal/clients/openai"
	rediscache "github.com/storysmith/storysmith-backend/internal/clients/redis"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/platform/qdrant"
	"github.com/storysmith/storysmith-backend/internal/platform/vectorstore"
)

type Clients struct {
	LLM    openai.Client
	Cache  rediscache.Cache
	Vector vectorstore.Store
}

func wireClients(log *logger.Logger) (Clients, error) {
	llm, err := openai.NewClient(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init llm client: %w", err)
	}

	cache, err := rediscache.NewCache(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init redis cache: %w", err)
	}

	qdrantCfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		return Clients{}, fmt.Errorf("resolve qdrant config: %w", err)
	}
	if err := checkEmbedDim(llm, qdrantCfg.VectorDim); err != nil {
		return Clients{}, err
	}
	store, err := qdrant.NewStore(log, qdrantCfg)
	if err != nil {
		return Clients{}, fmt.Errorf("init qdrant store: %w", err)
	}

	return Clients{
		LLM:    llm,
		Cache:  cache,
		Vector: store,
	}, nil
}

// checkEmbedDim refuses to start with an embedding model whose output width
// does not match the vector store's configured dimension. Every upsert and
// query would fail validation otherwise.
func checkEmbedDim(llm openai.Client, vectorDim int) error {
	if llm.EmbedDim() != vectorDim {
		return fmt.Errorf("embedding dim %d does not match vector store dim %d", llm.EmbedDim(), vectorDim)
	}
	return nil
}
