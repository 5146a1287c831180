package main

import (
	"fmt"
	"os"

	"github.com/storysmith/storysmith-backend/internal/app"
	"github.com/storysmith/storysmith-backend/internal/pkg/envutil"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()

	addr := ":" + envutil.String("PORT", "8080")
	a.Log.Info("Starting HTTP server", "addr", addr)
	if err := a.Run(addr); err != nil {
		a.Log.Error("HTTP server exited", "error", err.Error())
		os.Exit(1)
	}
}
