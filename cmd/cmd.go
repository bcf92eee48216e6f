// Package cmd implements the videoqa command line interface.
package cmd

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/videoqa/videoqa/api"
	"github.com/videoqa/videoqa/envconfig"
	"github.com/videoqa/videoqa/imageproc"
	"github.com/videoqa/videoqa/logutil"
	"github.com/videoqa/videoqa/ml"
	_ "github.com/videoqa/videoqa/ml/backend/cpu"
	"github.com/videoqa/videoqa/model"
	"github.com/videoqa/videoqa/model/synthetic"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "videoqa",
		Short: "Frame-selective video question answering",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true

			// debug mode trades colors for source locations
			if envconfig.Debug {
				slog.SetDefault(logutil.NewLogger(os.Stderr, slog.LevelDebug))
			} else {
				slog.SetDefault(logutil.NewTerminalLogger(os.Stderr, slog.LevelInfo))
			}
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newAnswerCmd(),
		newRankCmd(),
		newEnvCmd(),
	)

	return rootCmd
}

func newAnswerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "answer [frame.jpg ...]",
		Short: "Answer a question about a clip",
		Long:  "Answer a question about a clip. Frames are given as image files; with no arguments a synthetic clip is used.",
		RunE:  answerHandler,
	}

	cmd.Flags().StringP("question", "q", "What is happening in the video?", "Question to answer")
	cmd.Flags().StringP("localize", "l", "", "Frame relevance query (defaults to the question)")
	cmd.Flags().StringSlice("choices", nil, "Multiple-choice options; answers become A-E letters")
	cmd.Flags().Int("frames", 0, "Frames sampled from the clip (0 uses VIDEOQA_FRAME_NUM)")

	return cmd
}

func answerHandler(cmd *cobra.Command, args []string) error {
	question, _ := cmd.Flags().GetString("question")
	localize, _ := cmd.Flags().GetString("localize")
	choices, _ := cmd.Flags().GetStringSlice("choices")
	keep, _ := cmd.Flags().GetInt("frames")

	if localize == "" {
		localize = question
	}
	if keep <= 0 {
		keep = envconfig.NumFrames
	}

	ctx, m, err := newPipeline(keep, len(choices) > 0)
	if err != nil {
		return err
	}
	defer ctx.Close()

	video, err := loadClip(ctx, args)
	if err != nil {
		return err
	}

	samples := model.Samples{
		Video:      video,
		QuestionID: []string{uuid.New().String()},
		LocInput:   []string{localize},
		QAInput:    []string{question},
	}

	opts := api.DefaultDecodeOptions()
	var answers []api.Answer
	if len(choices) > 0 {
		samples.Choices = [][]string{choices}
		samples.QAInput = []string{formatChoiceQuestion(question, choices)}
		opts.MinLength = 2 // closed-form readout needs the second step
		answers, err = m.Generate(ctx, samples, opts)
	} else {
		answers, err = m.PredictAnswers(ctx, samples, opts, "Question: {} Short answer:")
	}
	if err != nil {
		return err
	}

	var data [][]string
	for _, a := range answers {
		text := a.Text
		if a.Class >= 0 && a.Class < len(choices) {
			text = fmt.Sprintf("%c) %s", 'A'+a.Class, choices[a.Class])
		}
		data = append(data, []string{a.QuestionID, question, text})
	}

	renderTable([]string{"ID", "QUESTION", "ANSWER"}, data)
	return nil
}

func newRankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank [frame.jpg ...]",
		Short: "Rank candidate answers by likelihood",
		RunE:  rankHandler,
	}

	cmd.Flags().StringP("question", "q", "What is happening in the video?", "Question to answer")
	cmd.Flags().StringSlice("candidates", nil, "Candidate answers to rank (required)")
	cmd.Flags().Int("segments", 1, "Candidate batches scored per pass")

	return cmd
}

func rankHandler(cmd *cobra.Command, args []string) error {
	question, _ := cmd.Flags().GetString("question")
	candidates, _ := cmd.Flags().GetStringSlice("candidates")
	segments, _ := cmd.Flags().GetInt("segments")

	if len(candidates) == 0 {
		return fmt.Errorf("at least one candidate is required")
	}

	ctx, m, err := newPipeline(envconfig.NumFrames, false)
	if err != nil {
		return err
	}
	defer ctx.Close()

	video, err := loadClip(ctx, args)
	if err != nil {
		return err
	}

	samples := model.Samples{
		Video:      video,
		QuestionID: []string{uuid.New().String()},
		LocInput:   []string{question},
		QAInput:    []string{question},
	}

	rankings, err := m.PredictClass(ctx, samples, candidates, segments)
	if err != nil {
		return err
	}

	var data [][]string
	for _, r := range rankings {
		for place, c := range r.Ranks {
			data = append(data, []string{
				fmt.Sprintf("%d", place+1),
				candidates[c],
				fmt.Sprintf("%.4f", r.Losses[c]),
			})
		}
	}

	renderTable([]string{"RANK", "CANDIDATE", "LOSS"}, data)
	return nil
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var data [][]string
			for _, k := range keys {
				v := vars[k]
				data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}

			renderTable([]string{"NAME", "VALUE", "DESCRIPTION"}, data)
			return nil
		},
	}
}

func newPipeline(keep int, multipleChoice bool) (ml.Context, *model.Model, error) {
	backend, err := ml.NewBackend(envconfig.Backend)
	if err != nil {
		return nil, nil, err
	}
	ctx := backend.NewContext()

	cfg := model.DefaultConfig()
	cfg.NumQueryTokens = 4
	cfg.NumFrames = keep
	cfg.MaxTxtLen = envconfig.MaxTxtLen
	// ranking fills the template with the question; without a
	// placeholder the candidates would be scored question-free
	cfg.Prompt = "Question: {} Answer:"
	cfg.ParallelFusion = envconfig.ParallelFusion
	cfg.ApplyLemmatizer = !multipleChoice

	m, err := synthetic.NewPipeline(ctx, cfg, synthetic.DefaultDims(), envconfig.Seed)
	if err != nil {
		ctx.Close()
		return nil, nil, err
	}

	return ctx, m, nil
}

// loadClip reads frame images from disk, or synthesizes a clip when no
// paths are given. The result is a single-video batch [1, T, C, H, W].
func loadClip(ctx ml.Context, paths []string) (ml.Tensor, error) {
	opts := imageproc.DefaultOptions()
	opts.Size = 32 // the synthetic backbone only reads channel statistics

	if len(paths) == 0 {
		return syntheticClip(ctx, 2*envconfig.NumFrames, opts.Size)
	}

	frames := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}

		img, err := imageproc.DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		frames = append(frames, img)
	}

	if len(frames) < envconfig.NumFrames {
		return nil, fmt.Errorf("%d frames given but %d must be kept; add frames or lower VIDEOQA_FRAME_NUM", len(frames), envconfig.NumFrames)
	}

	return imageproc.Batch(ctx, [][]image.Image{frames}, opts)
}

// syntheticClip builds a deterministic gradient clip for demos.
func syntheticClip(ctx ml.Context, t, size int) (ml.Tensor, error) {
	data := make([]float32, t*3*size*size)
	for f := 0; f < t; f++ {
		for c := 0; c < 3; c++ {
			base := (f*3 + c) * size * size
			v := float32(f+1) / float32(t) * float32(c+1) / 3
			for i := 0; i < size*size; i++ {
				data[base+i] = v
			}
		}
	}

	return ctx.FromFloatSlice(data, 1, t, 3, size, size)
}

func formatChoiceQuestion(question string, choices []string) string {
	s := question + " Options:"
	for i, c := range choices {
		s += fmt.Sprintf(" (%c) %s", 'a'+i, c)
	}

	return s
}

func renderTable(header []string, data [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
