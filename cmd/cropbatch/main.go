package main

import (
	"os"

	"github.com/spf13/cobra"

	"cropbatch/internal/logging"
)

// CLI flags shared by all subcommands
var (
	configFlag   string
	logLevelFlag string
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "cropbatch",
	Short: "Person-aware batch cropping with a local vision model",
	Long: `Cropbatch finds the people in your photos with a local vision model
(Ollama or llama.cpp) and crops each photo to the selected subjects,
padded and kept clear of watermark zones.

Images are processed in parallel on a worker pool while model calls run
one at a time. When a photo contains several people and the rule is
"ask", the batch pauses and the terminal prompts for a choice.

Examples:
  cropbatch run ./photos
  cropbatch run --rule largest --padding 15 ./photos extra.jpg
  cropbatch run --watermark-mode auto --out ./cropped ./shoot
  cropbatch check sample.jpg`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
		if logLevelFlag != "" {
			logging.SetLevel(logLevelFlag)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a cropbatch.yaml (default: search . and ~/.config/cropbatch)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
