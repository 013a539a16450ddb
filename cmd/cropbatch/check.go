package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cropbatch"
	"cropbatch/internal/utils"
)

var checkCmd = &cobra.Command{
	Use:   "check <image>",
	Short: "Verify the vision backend can see images",
	Long: `Check sends the given image to the configured backend and asks the
model to describe it. A sensible description means the whole chain
works: server reachable, model loaded, images getting through.`,
	Args: cobra.ExactArgs(1),
	Run:  runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&backendFlag, "backend", "", "Vision backend: ollama|llamacpp")
	f.StringVar(&urlFlag, "url", "", "Backend server URL")
	f.StringVarP(&modelFlag, "model", "m", "", "Model name")
}

func runCheck(cmd *cobra.Command, args []string) {
	settings := loadSettings(cmd)

	engine, err := cropbatch.NewWithConfig(engineConfig(settings))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	source := args[0]
	if utils.FileExists(source) {
		if info, err := engine.Inspect(source); err == nil {
			fmt.Printf("%s: %dx%d %s, %s\n",
				source, info.Width, info.Height, info.Format, utils.FormatFileSize(info.SizeBytes))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	started := time.Now()
	desc, err := engine.Check(ctx, source)
	if err != nil {
		log.Fatal().Err(err).Msg("backend check failed")
	}

	fmt.Printf("backend ok in %.1fs\n", time.Since(started).Seconds())
	fmt.Printf("model says: %s\n", desc)
}
