package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocrpipe-worker/internal/batch"
	"github.com/adverant/nexus/ocrpipe-worker/internal/engine"
	"github.com/adverant/nexus/ocrpipe-worker/internal/engine/tesseract"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
)

// environment holds what commands need from the outside world.
type environment struct {
	newLibrary func(engine.Options) native.Library
	stdout     io.Writer
	stderr     io.Writer
}

func defaultEnvironment() *environment {
	return &environment{
		newLibrary: func(opts engine.Options) native.Library { return engine.NewSession(opts) },
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
}

// RootCommand creates the ocrpipe command tree.
func RootCommand(env *environment) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ocrpipe",
		Short:         "Image cleanup and OCR pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(env.stdout)
	rootCmd.SetErr(env.stderr)

	rootCmd.AddCommand(
		runCommand(env),
		presetsCommand(env),
		validateCommand(env),
	)
	return rootCmd
}

type runSettings struct {
	Preset        string
	PipelineFile  string
	OutputDir     string
	Format        string
	Quality       int
	Compression   string
	Workers       int
	Languages     []string
	DictionaryDir string
	Tessdata      string
	Timeout       time.Duration
	Verbose       bool
}

func runCommand(env *environment) *cobra.Command {
	settings := &runSettings{}
	cmd := &cobra.Command{
		Use:   "run [images...]",
		Short: "Run a pipeline over images",
		Long:  `Run a preset or a pipeline file over every image and print a JSON report.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), env, settings, args)
		},
	}

	cmd.Flags().StringVarP(&settings.Preset, "preset", "p", "standard", "Preset to run: "+strings.Join(pipeline.PresetNames(), ", "))
	cmd.Flags().StringVar(&settings.PipelineFile, "pipeline", "", "YAML pipeline definition, overrides --preset")
	cmd.Flags().StringVarP(&settings.OutputDir, "output", "o", "", "Directory for processed images")
	cmd.Flags().StringVarP(&settings.Format, "format", "f", "png", "Output format: tiff, png, jpeg, bmp")
	cmd.Flags().IntVar(&settings.Quality, "quality", 0, "JPEG quality (1-100)")
	cmd.Flags().StringVar(&settings.Compression, "compression", "", "TIFF compression: none, deflate")
	cmd.Flags().IntVarP(&settings.Workers, "workers", "w", 1, "Images processed concurrently")
	cmd.Flags().StringSliceVar(&settings.Languages, "lang", []string{"eng"}, "Default OCR languages")
	cmd.Flags().StringVar(&settings.DictionaryDir, "dict-dir", "", "Directory of user dictionaries")
	cmd.Flags().StringVar(&settings.Tessdata, "tessdata", "", "Tesseract data directory")
	cmd.Flags().DurationVar(&settings.Timeout, "timeout", 0, "Abort the batch after this long")
	cmd.Flags().BoolVarP(&settings.Verbose, "verbose", "v", false, "Debug logging on stderr")

	return cmd
}

func loadPipeline(settings *runSettings) (*pipeline.Pipeline, error) {
	if settings.PipelineFile != "" {
		return pipeline.LoadFile(settings.PipelineFile)
	}
	return pipeline.Preset(settings.Preset)
}

type itemSummary struct {
	InputID      string               `json:"inputId"`
	Input        string               `json:"input"`
	Succeeded    bool                 `json:"succeeded"`
	OutputPath   string               `json:"outputPath,omitempty"`
	Recognitions []pipeline.OCRResult `json:"recognitions,omitempty"`
	Steps        []string             `json:"steps,omitempty"`
	DurationMs   int64                `json:"durationMs"`
	Error        string               `json:"error,omitempty"`
}

type runSummary struct {
	*batch.BatchReport
	Status string        `json:"status"`
	Items  []itemSummary `json:"items"`
}

func summarize(report *batch.BatchReport, inputs []batch.Input) runSummary {
	s := runSummary{BatchReport: report, Status: report.Status(), Items: make([]itemSummary, 0, len(report.Items))}
	for i, item := range report.Items {
		sum := itemSummary{
			InputID:    item.InputID,
			Input:      inputs[i].Path,
			DurationMs: item.Duration.Milliseconds(),
		}
		if item.Result != nil {
			sum.Succeeded = item.Result.Succeeded
			sum.OutputPath = item.Result.OutputPath
			sum.Recognitions = item.Result.Recognitions
			for _, st := range item.Result.Steps {
				if st.OK {
					sum.Steps = append(sum.Steps, st.Op.String()+":ok")
				} else {
					sum.Steps = append(sum.Steps, fmt.Sprintf("%s:%d", st.Op, st.ErrorCode))
				}
			}
		}
		if item.Err != nil {
			sum.Error = item.Err.Error()
		}
		s.Items = append(s.Items, sum)
	}
	return s
}

func runPipeline(ctx context.Context, env *environment, settings *runSettings, paths []string) error {
	logging.SetDebug(settings.Verbose)

	p, err := loadPipeline(settings)
	if err != nil {
		return err
	}

	save := native.SaveOptions{
		Format:      native.Format(strings.ToLower(settings.Format)),
		Quality:     settings.Quality,
		Compression: native.Compression(strings.ToLower(settings.Compression)),
	}
	if settings.OutputDir != "" {
		if err := save.Validate(); err != nil {
			return err
		}
	}

	lib := env.newLibrary(engine.Options{
		Recognizer:    tesseract.New(tesseract.Config{TessdataPrefix: settings.Tessdata}),
		Languages:     settings.Languages,
		DictionaryDir: settings.DictionaryDir,
		Logger:        logging.NewLoggerTo(env.stderr, "Engine"),
	})

	runner := batch.NewRunner(lib, batch.Options{
		Workers:   settings.Workers,
		OutputDir: settings.OutputDir,
		Save:      save,
		Logger:    logging.NewLoggerTo(env.stderr, "Batch"),
	})

	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	inputs := batch.InputsFromPaths(paths)
	report := runner.Run(ctx, inputs, p, func(pr batch.Progress) {
		if settings.Verbose {
			fmt.Fprintf(env.stderr, "%3.0f%% %s\n", pr.Percent, pr.InputID)
		}
	})

	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summarize(report, inputs)); err != nil {
		return err
	}

	switch {
	case report.Err != nil:
		return report.Err
	case report.Failed > 0:
		return fmt.Errorf("%d of %d images failed", report.Failed, report.Total)
	}
	return nil
}

func presetsCommand(env *environment) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List the built-in pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range pipeline.PresetNames() {
				p, err := pipeline.Preset(name)
				if err != nil {
					return err
				}
				if !asYAML {
					fmt.Fprintf(env.stdout, "%-14s %s\n", name, strings.Join(p.StepNames(), " -> "))
					continue
				}
				data, err := pipeline.DefinitionOf(p).Marshal()
				if err != nil {
					return err
				}
				fmt.Fprintf(env.stdout, "---\n%s", data)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print presets as pipeline definitions")
	return cmd
}

func validateCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml...]",
		Short: "Check pipeline definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, path := range args {
				p, err := pipeline.LoadFile(path)
				if err != nil {
					invalid++
					fmt.Fprintf(env.stdout, "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(env.stdout, "%s: ok (%s)\n", path, p)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d pipeline files are invalid", invalid, len(args))
			}
			return nil
		},
	}
}
