package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/runner"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var buildCommand = &cli.Command{
	Name:  "build",
	Usage: "Check out, build and package onnxruntime as described by a job file",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "allowed-env",
			Usage: "Environment variables allowed in job configuration (can be repeated)",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Working root exposed as ${ROOT} (defaults to the current directory)",
		},
		&cli.BoolFlag{
			Name:  "skip-checkout",
			Usage: "Use the existing source tree as is",
		},
		&cli.BoolFlag{
			Name:  "skip-build",
			Usage: "Only package and publish an existing install tree",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Print the steps that would run and exit",
		},
		&cli.StringFlag{
			Name:  "report",
			Usage: "Write a JSON report of the step results to this file",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Stream subprocess output even when not attached to a terminal",
		},
	},
	Arguments: []cli.Argument{
		&cli.StringArg{
			Name:      "job",
			UsageText: "The job file to build (- reads from stdin)",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := getLogger(ctx)

		jobFilename := command.StringArg("job")
		if jobFilename == "" {
			return fmt.Errorf("no job file provided")
		}

		jobFile, err := readJobFile(jobFilename)
		if err != nil {
			return fmt.Errorf("failed to read job file '%s': %w", jobFilename, err)
		}

		job, err := runner.ParseBuildJob(jobFile)
		if err != nil {
			return fmt.Errorf("failed to parse job: %w", err)
		}

		root, err := runner.ResolveRoot(command.String("root"))
		if err != nil {
			return err
		}

		variables, err := runner.BuildVariables(job, root, command.StringSlice("allowed-env"))
		if err != nil {
			return fmt.Errorf("failed to build variables: %w", err)
		}

		job, err = runner.Prepare(job, variables)
		if err != nil {
			return err
		}

		r, err := runner.New(ctx, logger.Named("runner"), job, variables["RUN_ID"], runner.Options{
			SkipCheckout: command.Bool("skip-checkout"),
			SkipBuild:    command.Bool("skip-build"),
			Stream:       subprocessOutput(ctx, command.Bool("verbose")),
		})
		if err != nil {
			return fmt.Errorf("failed to create runner: %w", err)
		}

		if command.Bool("dry-run") {
			for i, id := range r.Steps() {
				fmt.Fprintf(command.Root().Writer, "%d. %s\n", i+1, id)
			}
			return nil
		}

		results, err := r.Run(ctx)
		if reportPath := command.String("report"); reportPath != "" {
			report := engine.Report{
				Job:      job.Metadata.Name,
				RunID:    variables["RUN_ID"],
				Started:  r.Started(),
				Artifact: r.Artifact(),
				Steps:    results,
			}
			if werr := writeReport(reportPath, report); werr != nil {
				logger.Warn("failed to write report", zap.String("path", reportPath), zap.Error(werr))
			}
		}
		if err != nil {
			return fmt.Errorf("failed to run job: %w", err)
		}

		for _, res := range results {
			logger.Debug("step result",
				zap.String("step_id", res.ID),
				zap.String("kind", res.Kind),
				zap.Duration("duration", res.Duration.Round(time.Millisecond)),
				zap.Any("meta", res.Meta),
			)
		}
		logger.Info("artifact ready", zap.String("path", r.Artifact()), zap.String("run_id", variables["RUN_ID"]))

		return nil
	},
}

func writeReport(path string, report engine.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := engine.EncodeReport(f, report, "  "); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readJobFile(filename string) ([]byte, error) {
	if filename == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(filename)
}
