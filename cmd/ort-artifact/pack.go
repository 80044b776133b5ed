package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ortartifact/ort-artifact/internal/artifact"
	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/engine/sinks"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var packCommand = &cli.Command{
	Name:  "pack",
	Usage: "Pack the regular files of a directory into a compressed tar artifact",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Artifact path, - for stdout (defaults to artifact plus the format extension)",
		},
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Value:   string(compress.DefaultFormat),
			Usage:   "Compression format (xz, lzma2, zstd, gzip, lz4, none)",
			Action: func(ctx context.Context, command *cli.Command, s string) error {
				_, err := compress.ParseFormat(s)
				return err
			},
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Maximum bytes pushed to the compressor at once (0 uses 64 KiB)",
		},
		&cli.IntFlag{
			Name:  "dict-cap",
			Usage: "xz and lzma2 dictionary capacity in bytes (0 uses the library default)",
		},
		&cli.IntFlag{
			Name:  "level",
			Usage: "zstd and gzip compression level (library default when unset; gzip 0 stores)",
		},
		&cli.Int64Flag{
			Name:  "mtime",
			Usage: "Fixed modification time for every entry, in Unix seconds",
		},
	},
	Arguments: []cli.Argument{
		&cli.StringArg{
			Name:      "dir",
			UsageText: "The directory to pack",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := getLogger(ctx)

		dir := command.StringArg("dir")
		if dir == "" {
			return fmt.Errorf("no directory provided")
		}

		format, err := compress.ParseFormat(command.String("format"))
		if err != nil {
			return err
		}

		opts := artifact.Options{
			Archive: sinks.ArchiveConfig{
				Format: format,
				Options: compress.Options{
					DictCap: int(command.Int("dict-cap")),
				},
				ChunkSize: int(command.Int("chunk-size")),
			},
		}
		if command.IsSet("level") {
			opts.Archive.Options.Level = lo.ToPtr(int(command.Int("level")))
		}
		if command.IsSet("mtime") {
			mtime := time.Unix(command.Int64("mtime"), 0)
			opts.ModTime = &mtime
		}

		output := command.String("output")
		if output == "" {
			output = "artifact" + format.Extension()
		}

		fs := afero.NewOsFs()
		var out engine.ChunkSink
		if output == "-" {
			out = sinks.NewStreamSink(os.Stdout)
		} else {
			fileSink, err := sinks.NewFileSink(fs, output)
			if err != nil {
				return err
			}
			out = fileSink
		}

		stats, err := artifact.NewPacker(fs, logger.Named("packer"), opts).Pack(ctx, dir, out)
		if err != nil {
			return fmt.Errorf("failed to pack %s: %w", dir, err)
		}

		logger.Info("artifact ready",
			zap.String("output", output),
			zap.String("format", string(format)),
			zap.Int("entries", stats.Entries),
			zap.Int64("payload_bytes", stats.PayloadBytes),
			zap.Int64("compressed_bytes", stats.CompressedBytes),
			zap.Int("pushes", stats.Pushes),
			zap.Int("chunks", stats.Chunks),
			zap.Duration("elapsed", stats.Elapsed),
		)
		return nil
	},
}
