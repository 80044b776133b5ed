package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ortartifact/ort-artifact/internal/runner"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "Validate a job file",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "allowed-env",
			Usage: "Environment variables allowed in job configuration (can be repeated)",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Working root exposed as ${ROOT} (defaults to the current directory)",
		},
	},
	Arguments: []cli.Argument{
		&cli.StringArg{
			Name:      "job",
			UsageText: "The job file to validate",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := getLogger(ctx)
		out := command.Root().Writer

		jobFilename := command.StringArg("job")
		if jobFilename == "" {
			return fmt.Errorf("no job file provided")
		}

		jobFile, err := readJobFile(jobFilename)
		if err != nil {
			return fmt.Errorf("failed to read job file '%s': %w", jobFilename, err)
		}

		logger = logger.With(zap.String("job_filename", jobFilename))
		logger.Debug("validating job file")

		job, err := runner.ParseBuildJob(jobFile)
		if err != nil {
			fmt.Fprintln(out, formatValidationError(err))
			return fmt.Errorf("job file '%s' is invalid", jobFilename)
		}

		root, err := runner.ResolveRoot(command.String("root"))
		if err != nil {
			return err
		}

		variables, err := runner.BuildVariables(job, root, command.StringSlice("allowed-env"))
		if err != nil {
			return fmt.Errorf("failed to build variables: %w", err)
		}

		if _, err := runner.Prepare(job, variables); err != nil {
			return err
		}

		fmt.Fprintf(out, "✓ Job file '%s' is valid\n", jobFilename)
		return nil
	},
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "job file has %d validation error(s):", len(validationErrs))
		for _, fe := range validationErrs {
			fmt.Fprintf(&sb, "\n  • %s: failed '%s' validation", fe.Namespace(), fe.Tag())
			if fe.Param() != "" {
				fmt.Fprintf(&sb, " (param: %s)", fe.Param())
			}
		}
		return errors.New(sb.String())
	}
	return err
}
