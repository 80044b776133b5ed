package main

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/urfave/cli/v3"
)

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "List the entries of an artifact",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Compression format (inferred from the file name when empty)",
		},
		&cli.IntFlag{
			Name:  "dict-cap",
			Usage: "lzma2 dictionary capacity the artifact was packed with (0 uses the library default)",
		},
	},
	Arguments: []cli.Argument{
		&cli.StringArg{
			Name:      "archive",
			UsageText: "The artifact to list",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		path := command.StringArg("archive")
		if path == "" {
			return fmt.Errorf("no archive provided")
		}

		var format compress.Format
		var err error
		if name := command.String("format"); name != "" {
			format, err = compress.ParseFormat(name)
		} else {
			format, err = compress.FormatFromPath(path)
		}
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer f.Close()

		opts := compress.Options{DictCap: int(command.Int("dict-cap"))}
		return listEntries(ctx, command.Root().Writer, f, format, opts)
	},
}

func listEntries(ctx context.Context, w io.Writer, r io.Reader, format compress.Format, opts compress.Options) error {
	dec, err := compress.NewReader(format, r, opts)
	if err != nil {
		return fmt.Errorf("failed to open %s stream: %w", format, err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		fmt.Fprintf(w, "%12d  %s\n", h.Size, h.Name)
	}
}
