package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/dataset-kitchen/internal/lifecycle"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/internal/utils/validator"
)

func artifactRef(name, stage string) (models.ArtifactRef, error) {
	st, err := models.ParseStage(stage)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	return models.ArtifactRef{Name: name, Stage: st}, nil
}

func (c *cli) artifactsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifacts", Short: "List and reshape artifacts"}

	var stage string
	list := &cobra.Command{
		Use:   "list",
		Short: "List current artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := models.ParseStage(stage)
			if err != nil {
				return err
			}
			out, err := c.app.Engine.Artifacts(cmd.Context(), st)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	list.Flags().StringVar(&stage, "stage", "", "restrict to one stage")

	var rowsStage string
	var page, perPage int
	rows := &cobra.Command{
		Use:   "rows NAME",
		Short: "Print one page of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := artifactRef(args[0], rowsStage)
			if err != nil {
				return err
			}
			out, err := c.app.Engine.ReadRows(cmd.Context(), ref, page, perPage)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	rows.Flags().StringVar(&rowsStage, "stage", "", "artifact stage")
	rows.Flags().IntVar(&page, "page", 0, "zero-based page")
	rows.Flags().IntVar(&perPage, "per-page", 50, "rows per page")

	var sameType bool
	combine := &cobra.Command{
		Use:   "combine NAME NAME...",
		Short: "Stack artifacts into a salad",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]models.ArtifactRef, len(args))
			for i, name := range args {
				refs[i] = models.ArtifactRef{Name: name}
			}
			out, err := c.app.Engine.Combine(cmd.Context(), refs, sameType)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	combine.Flags().BoolVar(&sameType, "same-type", true, "require every input to share one file type")

	var sliceStage string
	var columns []string
	slice := &cobra.Command{
		Use:   "slice NAME",
		Short: "Copy a table without some columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := artifactRef(args[0], sliceStage)
			if err != nil {
				return err
			}
			out, removed, err := c.app.Engine.Slice(cmd.Context(), ref, columns)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"artifact": out, "removedColumns": removed})
		},
	}
	slice.Flags().StringVar(&sliceStage, "stage", "", "artifact stage")
	slice.Flags().StringSliceVar(&columns, "drop", nil, "columns to remove")

	var renameStage string
	rename := &cobra.Command{
		Use:   "rename NAME NEW_NAME",
		Short: "Rename an artifact within its stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := artifactRef(args[0], renameStage)
			if err != nil {
				return err
			}
			out, err := c.app.Engine.Rename(cmd.Context(), ref, args[1])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	rename.Flags().StringVar(&renameStage, "stage", "", "artifact stage")

	var editStage, editsFile string
	var asNew bool
	edit := &cobra.Command{
		Use:   "edit NAME",
		Short: "Apply cell edits from a JSON file ({\"row\": {\"column\": value}})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := artifactRef(args[0], editStage)
			if err != nil {
				return err
			}
			var edits kitchen.Edits
			if err := readJSON(editsFile, &edits); err != nil {
				return err
			}
			apply := c.app.Engine.ApplyEdits
			if asNew {
				apply = c.app.Engine.SaveAsNew
			}
			out, err := apply(cmd.Context(), ref, edits)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	edit.Flags().StringVar(&editStage, "stage", "", "artifact stage")
	edit.Flags().StringVarP(&editsFile, "file", "f", "", "edits file")
	edit.Flags().BoolVar(&asNew, "save-as-new", false, "write <name>_edited instead of a new version")
	_ = edit.MarkFlagRequired("file")

	cmd.AddCommand(list, rows, combine, slice, rename, edit)
	return cmd
}

func (c *cli) ingestCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Register files as ingredients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := validator.NewUploadValidator(c.log, validator.Config{})
			var out []models.Artifact
			for _, path := range args {
				a, err := c.ingestFile(cmd.Context(), v, path, overwrite)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				out = append(out, a)
			}
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "add a version to an existing ingredient")
	return cmd
}

func (c *cli) ingestFile(ctx context.Context, v *validator.UploadValidator, path string, overwrite bool) (models.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Artifact{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return models.Artifact{}, err
	}
	name := filepath.Base(path)
	info, err := v.Validate(name, st.Size(), f)
	if err != nil {
		return models.Artifact{}, err
	}
	return c.app.Engine.Ingest(ctx, name, f, kitchen.IngestOptions{Overwrite: overwrite, Metadata: info.Metadata()})
}

func (c *cli) seedCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "seed", Short: "Turn ingredients into seeds"}

	var stage, format string
	convert := &cobra.Command{
		Use:   "convert NAME",
		Short: "Copy a table into the seed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := artifactRef(args[0], stage)
			if err != nil {
				return err
			}
			out, err := c.app.Engine.ConvertToSeed(cmd.Context(), ref, format)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	var tmpl, model string
	parse := &cobra.Command{
		Use:   "parse NAME",
		Short: "Shape a text ingredient into template rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := artifactRef(args[0], stage)
			if err != nil {
				return err
			}
			out, err := c.app.Engine.ParseToSeed(cmd.Context(), ref, tmpl, model, format)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	for _, sub := range []*cobra.Command{convert, parse} {
		sub.Flags().StringVar(&stage, "stage", "", "source stage")
		sub.Flags().StringVar(&format, "format", "", "seed file type (.parquet when empty)")
	}
	parse.Flags().StringVarP(&tmpl, "template", "t", "", "template name")
	parse.Flags().StringVarP(&model, "model", "m", "", "language model; empty uses line splitting")
	_ = parse.MarkFlagRequired("template")

	cmd.AddCommand(convert, parse)
	return cmd
}

func (c *cli) templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.app.Engine.Templates(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	define := &cobra.Command{
		Use:   "define NAME FIELD...",
		Short: "Define a new template",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.app.Engine.DefineTemplate(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.AddCommand(define)
	return cmd
}

func (c *cli) promptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts [NAME]",
		Short: "List prompt sets or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				set, err := c.app.Engine.LoadPromptSet(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(set)
			}
			names, err := c.app.Engine.PromptSets(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(names)
		},
	}
	var file string
	save := &cobra.Command{
		Use:   "save NAME",
		Short: "Store a prompt set read from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var set models.PromptSet
			if err := readJSON(file, &set); err != nil {
				return err
			}
			return c.app.Engine.SavePromptSet(cmd.Context(), args[0], set)
		},
	}
	save.Flags().StringVarP(&file, "file", "f", "", "prompt set file")
	_ = save.MarkFlagRequired("file")
	cmd.AddCommand(save)
	return cmd
}

func (c *cli) augmentCmd() *cobra.Command {
	var (
		job     models.AugmentationJob
		stage   string
		roles   map[string]string
		file    string
		wait    bool
		poll    time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "augment NAME",
		Short: "Generate paraphrased rows from a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				var set models.PromptSet
				if err := readJSON(file, &set); err != nil {
					return err
				}
				job.Prompts = &set
			}
			ref, err := artifactRef(args[0], stage)
			if err != nil {
				return err
			}
			job.Source = ref
			if len(roles) > 0 {
				job.ColumnTypes = make(models.ColumnClassification, len(roles))
				for col, role := range roles {
					job.ColumnTypes[col] = models.ColumnRole(role)
				}
			}

			ctx := cmd.Context()
			id, err := c.app.Engine.Submit(ctx, job)
			if err != nil {
				return err
			}
			// jobs run in this process unless a queue takes them
			if !wait && c.app.Queue != nil {
				return printJSON(map[string]string{"jobId": id})
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				p, err := c.app.Engine.Progress(ctx, id)
				if err != nil {
					return err
				}
				if p.Status.Terminal() {
					if err := printJSON(p); err != nil {
						return err
					}
					if p.Status == models.JobFailed || p.Status == models.JobCancelled {
						return fmt.Errorf("job %s %s: %s", id, p.Status, p.Error)
					}
					return nil
				}
				c.log.Info(fmt.Sprintf("job %s %s %.1f%%", id, p.Status, p.OverallProgress))
				select {
				case <-ctx.Done():
					// interrupting the wait cancels the job
					cp, _ := c.app.Engine.Cancel(context.Background(), id)
					_ = printJSON(cp)
					return ctx.Err()
				case <-ticker.C:
				}
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&stage, "stage", "", "source stage")
	f.StringVarP(&job.Model, "model", "m", "", "language model")
	f.BoolVar(&job.UseAllSamples, "all", false, "use every source row")
	f.Float64Var(&job.SampleRate, "sample-rate", 100, "percentage of rows to sample when --all is unset")
	f.IntVarP(&job.ParaphrasesPerSample, "paraphrases", "k", 1, "variants per source row")
	f.StringToStringVar(&roles, "role", nil, "column roles, e.g. --role description=static")
	f.StringVar(&job.PromptSetName, "prompt-set", "", "stored prompt set")
	f.StringVarP(&file, "prompts", "p", "", "prompt set JSON file")
	f.StringVar(&job.RecordTemplate, "chat-template", "", "record template rendered into the text column")
	f.StringVar(&job.OutputFormat, "format", "", "dish file type")
	f.Uint64Var(&job.Seed, "seed", 0, "sampling seed")
	f.StringVar(&job.IdempotencyKey, "key", "", "idempotency key")
	f.BoolVar(&wait, "wait", false, "wait for a queued job to finish; local jobs are always waited for")
	f.DurationVar(&poll, "poll", time.Second, "progress poll interval")
	f.DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	return cmd
}

func (c *cli) jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job ID",
		Short: "Print a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.app.Engine.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.app.Engine.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.AddCommand(cancel)
	return cmd
}

func (c *cli) lifecycleCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Run one model lifecycle transition described by a JSON request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req models.ModelLifecycleRequest
			if err := readJSON(file, &req); err != nil {
				return err
			}
			out, err := c.app.Engine.Lifecycle(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) modelsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "models", Short: "Manage model weights"}

	var name string
	imp := &cobra.Command{
		Use:   "import PATH",
		Short: "Register a model folder or GGUF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.app.Engine.ImportModel(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	imp.Flags().StringVar(&name, "name", "", "artifact name (path base name when empty)")

	llms := &cobra.Command{
		Use:   "llm",
		Short: "List models the language model server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.app.Engine.LLMModels(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	var (
		gen   lifecycle.GenerateRequest
		stage string
	)
	generate := &cobra.Command{
		Use:   "generate NAME PROMPT",
		Short: "Try a prompt against trained or imported weights",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := artifactRef(args[0], stage)
			if err != nil {
				return err
			}
			gen.Model, gen.Prompt = ref, args[1]
			text, err := c.app.Engine.Generate(cmd.Context(), gen)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	generate.Flags().StringVar(&stage, "stage", "", "stage of the model artifact")
	generate.Flags().IntVar(&gen.MaxNewTokens, "max-new-tokens", 0, "tokens to generate (128 when zero)")

	cmd.AddCommand(imp, llms, generate)
	return cmd
}

func (c *cli) paraphraseCmd() *cobra.Command {
	var (
		req   kitchen.PreviewRequest
		roles map[string]string
	)
	cmd := &cobra.Command{
		Use:   "paraphrase SAMPLE.json",
		Short: "Preview paraphrases of one sample without starting a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := readJSON(args[0], &req.Sample); err != nil {
				return err
			}
			if len(roles) > 0 {
				req.ColumnTypes = models.ColumnClassification{}
				for col, role := range roles {
					req.ColumnTypes[col] = models.ColumnRole(role)
				}
			}
			out, err := c.app.Engine.Paraphrase(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&req.Model, "model", "m", "", "language model")
	cmd.Flags().IntVarP(&req.Paraphrases, "paraphrases", "k", 3, "variants to generate")
	cmd.Flags().StringToStringVar(&roles, "role", nil, "column roles, e.g. input=dynamic")
	cmd.Flags().StringVar(&req.PromptSetName, "prompt-set", "", "saved prompt set")
	return cmd
}

func readJSON(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.Validation(models.CodeInvalidParameter, "invalid JSON in %s: %v", path, err)
	}
	return nil
}
