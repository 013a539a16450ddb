package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cropbatch"
	"cropbatch/internal/config"
	"cropbatch/internal/utils"
	"cropbatch/pkg/batch"
	"cropbatch/pkg/types"
)

var (
	outFlag              string
	formatFlag           string
	qualityFlag          int
	losslessFlag         bool
	workersFlag          int
	paddingFlag          float64
	ruleFlag             string
	confidenceFlag       float64
	watermarkModeFlag    string
	watermarkPercentFlag float64
	templateFlag         string
	backendFlag          string
	urlFlag              string
	modelFlag            string
	timeoutFlag          int
	previewDirFlag       string
)

var runCmd = &cobra.Command{
	Use:   "run [files or directories...]",
	Short: "Crop a batch of images around the people in them",
	Args:  cobra.MinimumNArgs(1),
	Run:   runBatch,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&outFlag, "out", "o", "", "Output directory")
	f.StringVar(&formatFlag, "format", "", "Output format: original|jpg|png|webp")
	f.IntVar(&qualityFlag, "quality", 0, "Output quality (1-100)")
	f.BoolVar(&losslessFlag, "lossless", false, "Lossless WebP output")
	f.IntVar(&workersFlag, "workers", 0, "Worker pool size")
	f.Float64Var(&paddingFlag, "padding", 0, "Padding around subjects in percent (0-50)")
	f.StringVar(&ruleFlag, "rule", "", "Multi-person rule: all|largest|highest_confidence|ask")
	f.Float64Var(&confidenceFlag, "confidence", 0, "Minimum detection confidence (0-1)")
	f.StringVar(&watermarkModeFlag, "watermark-mode", "", "Watermark handling: manual|auto|disabled")
	f.Float64Var(&watermarkPercentFlag, "watermark-percent", 0, "Bottom strip to keep crops out of, in percent (0-30)")
	f.StringVar(&templateFlag, "template", "", "Known watermark image, matched locally without the model")
	f.StringVar(&backendFlag, "backend", "", "Vision backend: ollama|llamacpp")
	f.StringVar(&urlFlag, "url", "", "Backend server URL")
	f.StringVarP(&modelFlag, "model", "m", "", "Model name")
	f.IntVar(&timeoutFlag, "selection-timeout", 0, "Seconds before an unanswered prompt skips the image (0 waits forever)")
	f.StringVar(&previewDirFlag, "preview-dir", "", "Write preview overlays into this directory")
}

// runBatch is the main execution logic called by Cobra.
func runBatch(cmd *cobra.Command, args []string) {
	settings := loadSettings(cmd)

	refs, err := utils.CollectImages(args)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to collect input images")
	}
	if len(refs) == 0 {
		log.Fatal().Msg("no images found in the given paths")
	}

	engine, err := cropbatch.NewWithConfig(engineConfig(settings))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	b, err := engine.NewBatch(refs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build batch")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// After the first signal cancels the batch, restore the default
		// handler so a second Ctrl+C terminates immediately.
		<-ctx.Done()
		stop()
	}()

	fmt.Println("============================================")
	fmt.Println("Cropbatch")
	fmt.Println("============================================")
	fmt.Printf("Images:  %d\n", len(refs))
	fmt.Printf("Backend: %s, model %s\n", settings.Backend.Name, settings.Backend.Model)
	fmt.Printf("Output:  %s\n", settings.Output.Dir)
	fmt.Printf("Workers: %d\n", settings.Batch.MaxWorkers)
	fmt.Println("--------------------------------------------")

	if err := b.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start batch")
	}

	stdin := bufio.NewReader(os.Stdin)
	var summary batch.Summary
	for ev := range b.Events() {
		switch ev := ev.(type) {
		case batch.ProgressEvent:
			printProgress(ev)
		case batch.PreviewEvent:
			if previewDirFlag == "" {
				continue
			}
			path, err := engine.SavePreview(ev.Ref, ev.Boxes, ev.Zones, ev.Rect, previewDirFlag)
			if err != nil {
				log.Warn().Err(err).Str("image", ev.Ref).Msg("preview render failed")
				continue
			}
			fmt.Printf("preview: %s\n", path)
		case batch.AmbiguityEvent:
			sel := promptSelection(stdin, ev)
			if err := b.SubmitSelection(sel); err != nil {
				if errors.Is(err, batch.ErrNoPendingSelection) {
					fmt.Println("(too late, the image was already skipped)")
					continue
				}
				log.Warn().Err(err).Msg("selection rejected, skipping image")
				_ = b.SubmitSelection(batch.Selection{Skip: true})
			}
		case batch.FinishedEvent:
			summary = ev.Summary
		}
	}
	b.Wait()

	printSummary(summary)
	if summary.Outcome == batch.StateFailed {
		os.Exit(1)
	}
}

// loadSettings reads the config file and applies any flags the user set
// on top of it.
func loadSettings(cmd *cobra.Command) *config.Settings {
	settings, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	f := cmd.Flags()
	if f.Changed("backend") {
		settings.Backend.Name = backendFlag
	}
	if f.Changed("url") {
		settings.Backend.URL = urlFlag
	}
	if f.Changed("model") {
		settings.Backend.Model = modelFlag
	}
	if f.Changed("out") {
		settings.Output.Dir = outFlag
	}
	if f.Changed("format") {
		settings.Output.Format = formatFlag
	}
	if f.Changed("quality") {
		settings.Output.Quality = qualityFlag
	}
	if f.Changed("lossless") {
		settings.Output.Lossless = losslessFlag
	}
	if f.Changed("workers") {
		settings.Batch.MaxWorkers = workersFlag
	}
	if f.Changed("padding") {
		settings.Crop.PaddingPercent = paddingFlag
	}
	if f.Changed("rule") {
		settings.Crop.MultiSubjectRule = ruleFlag
	}
	if f.Changed("confidence") {
		settings.Crop.ConfidenceThreshold = confidenceFlag
	}
	if f.Changed("watermark-mode") {
		settings.Watermark.Mode = watermarkModeFlag
	}
	if f.Changed("watermark-percent") {
		settings.Watermark.Percent = watermarkPercentFlag
	}
	if f.Changed("template") {
		settings.Watermark.TemplatePath = templateFlag
	}
	if f.Changed("selection-timeout") {
		settings.Batch.SelectionTimeoutSec = timeoutFlag
	}

	if err := settings.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	return settings
}

func engineConfig(s *config.Settings) cropbatch.Config {
	return cropbatch.Config{
		Backend:             s.Backend.Name,
		BackendURL:          s.Backend.URL,
		Model:               s.Backend.Model,
		Policy:              s.Policy(),
		WatermarkConfidence: s.Watermark.ConfidenceThreshold,
		TemplatePath:        s.Watermark.TemplatePath,
		OutputDir:           s.Output.Dir,
		OutputFormat:        s.Output.Format,
		OutputQuality:       s.Output.Quality,
		OutputLossless:      s.Output.Lossless,
		OutputSuffix:        s.Output.Suffix,
		Workers:             s.Batch.MaxWorkers,
		PreviewEvery:        s.Batch.PreviewEvery,
		SelectionTimeout:    s.SelectionTimeout(),
		SendMaxDim:          s.Send.MaxDim,
		SendFormat:          s.Send.Format,
		SendQuality:         s.Send.Quality,
	}
}

func printProgress(ev batch.ProgressEvent) {
	done := ev.Processed + ev.Skipped + ev.Errors
	line := fmt.Sprintf("[%d/%d] cropped %d, skipped %d, errors %d",
		done, ev.Total, ev.Processed, ev.Skipped, ev.Errors)
	if ev.ETA > 0 {
		line += ", eta " + ev.ETA.Round(time.Second).String()
	}
	if ev.CurrentImage != "" {
		line += "  " + filepath.Base(ev.CurrentImage)
	}
	fmt.Println(line)
}

// promptSelection asks the user to resolve a multi-person ambiguity.
// It keeps prompting until the input parses; read failures skip the image.
func promptSelection(in *bufio.Reader, ev batch.AmbiguityEvent) batch.Selection {
	fmt.Println()
	fmt.Println("--------------------------------------------")
	fmt.Printf("Several people in %s:\n", ev.Ref)
	for i, c := range ev.Candidates {
		r := c.Rect
		fmt.Printf("  %d. %dx%d at (%d,%d), confidence %.2f\n",
			i+1, r.Width(), r.Height(), r.X1, r.Y1, c.Confidence)
	}
	fmt.Println("Pick numbers (e.g. 1 3), or: a=all, l=largest, h=highest confidence, s=skip.")
	fmt.Println("Uppercase A/L/H applies the rule to the rest of the batch.")

	for {
		fmt.Print("> ")
		line, err := in.ReadString('\n')
		if err != nil {
			log.Warn().Err(err).Msg("could not read selection, skipping image")
			return batch.Selection{Skip: true}
		}
		sel, perr := parseSelection(strings.TrimSpace(line), ev.Candidates)
		if perr != nil {
			fmt.Println(perr)
			continue
		}
		return sel
	}
}

func parseSelection(input string, candidates []types.BoundingBox) (batch.Selection, error) {
	switch input {
	case "a":
		return batch.Selection{Rule: types.RuleAll}, nil
	case "A":
		return batch.Selection{Rule: types.RuleAll, ApplyToRemaining: true}, nil
	case "l":
		return batch.Selection{Rule: types.RuleLargest}, nil
	case "L":
		return batch.Selection{Rule: types.RuleLargest, ApplyToRemaining: true}, nil
	case "h":
		return batch.Selection{Rule: types.RuleHighestConfidence}, nil
	case "H":
		return batch.Selection{Rule: types.RuleHighestConfidence, ApplyToRemaining: true}, nil
	case "s":
		return batch.Selection{Skip: true}, nil
	}

	fields := strings.FieldsFunc(input, func(r rune) bool { return r == ' ' || r == ',' })
	var boxes []types.BoundingBox
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > len(candidates) {
			return batch.Selection{}, fmt.Errorf("enter numbers between 1 and %d, or a/l/h/s", len(candidates))
		}
		boxes = append(boxes, candidates[n-1])
	}
	if len(boxes) == 0 {
		return batch.Selection{}, fmt.Errorf("enter numbers between 1 and %d, or a/l/h/s", len(candidates))
	}
	return batch.Selection{Boxes: boxes}, nil
}

func printSummary(s batch.Summary) {
	fmt.Println()
	fmt.Println("============================================")
	fmt.Printf("Batch %s\n", s.Outcome)
	fmt.Println("============================================")
	fmt.Printf("Images:     %d\n", s.Total)
	fmt.Printf("Cropped:    %d\n", s.Processed)
	fmt.Printf("Skipped:    %d\n", s.Skipped)
	fmt.Printf("Errors:     %d\n", s.Errors)
	fmt.Printf("Persons:    %d\n", s.PersonsFound)
	fmt.Printf("Watermarks: %d\n", s.WatermarksFound)
	if s.Elapsed > 0 {
		fmt.Printf("Elapsed:    %s (%.1f images/s)\n", s.Elapsed.Round(time.Millisecond), s.ImagesPerSecond)
	}
	fmt.Printf("Success:    %.0f%%\n", s.SuccessRate)

	shown := false
	for _, r := range s.Results {
		if r.Status == batch.StatusCropped {
			continue
		}
		if !shown {
			fmt.Println("--------------------------------------------")
			shown = true
		}
		fmt.Printf("  %s: %s (%s)\n", r.Ref, r.Status, r.Reason)
	}
}
