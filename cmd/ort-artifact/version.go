package main

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/urfave/cli/v3"
)

// Build information populated at init() from debug.ReadBuildInfo().
var (
	Version   = "unknown"
	GoVersion = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
	Modified  bool
)

func init() {
	parseBuildInfo()
}

func parseBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	Version = info.Main.Version
	GoVersion = info.GoVersion

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			Commit = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		case "vcs.modified":
			Modified = setting.Value == "true"
		}
	}
}

func versionString() string {
	if Commit == "unknown" {
		return Version
	}
	short := Commit
	if len(short) > 12 {
		short = short[:12]
	}
	if Modified {
		short += "-dirty"
	}
	return fmt.Sprintf("%s (%s)", Version, short)
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version information",
	Action: func(ctx context.Context, command *cli.Command) error {
		w := command.Root().Writer
		fmt.Fprintf(w, "version: %s\n", Version)
		fmt.Fprintf(w, "go: %s\n", GoVersion)
		if Commit != "unknown" {
			if Modified {
				fmt.Fprintf(w, "commit: %s (dirty)\n", Commit)
			} else {
				fmt.Fprintf(w, "commit: %s\n", Commit)
			}
		}
		if BuildTime != "unknown" {
			fmt.Fprintf(w, "built: %s\n", BuildTime)
		}

		formats := make([]string, 0, len(compress.Formats()))
		for _, f := range compress.Formats() {
			formats = append(formats, string(f))
		}
		fmt.Fprintf(w, "formats: %s\n", strings.Join(formats, ", "))
		return nil
	},
}
