package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/starford/kalendae/internal"
	"github.com/starford/kalendae/internal/authz"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/ics"
	"github.com/starford/kalendae/internal/importer"
	"github.com/starford/kalendae/internal/mcpserver"
	"github.com/starford/kalendae/internal/storage"
)

// openEngine loads the config and opens the engine for a one-shot command.
// Logs go to stderr so stdout stays free for command output.
func openEngine(cmd *cli.Command) (*internal.Config, *internal.Engine, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := internal.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	engine, err := internal.NewEngine(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, engine, logger, nil
}

func asFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "as",
		Usage: "Principal to run as",
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools on stdin/stdout",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, engine, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()
			return mcpserver.New(engine.Service, cfg.MCP.Principal).ServeStdio()
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import .ics files into a collection, or sync the drop folder once",
		ArgsUsage: "[file.ics...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "collection", Usage: "Target collection for the given files"},
			&cli.BoolFlag{Name: "folder", Usage: "Sync the configured drop folder instead"},
			asFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, engine, logger, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()
			ctx = authz.WithPrincipal(ctx, cmd.String("as"))

			if cmd.Bool("folder") {
				files, err := storage.NewFS(cfg.Importer.Path)
				if err != nil {
					return err
				}
				im := importer.New(engine.Service, files, importer.Config{
					CollectionPrefix: cfg.Importer.CollectionPrefix,
					Logger:           logger,
				})
				return im.Sync(ctx)
			}

			col := cmd.String("collection")
			if col == "" || cmd.Args().Len() == 0 {
				return errors.New("import needs --collection and at least one file, or --folder")
			}
			var errs []error
			for _, name := range cmd.Args().Slice() {
				if err := importPath(ctx, engine.Service, col, name); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func importPath(ctx context.Context, svc *calendar.Service, col, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	objs, err := ics.Decode(f, col)
	if err != nil {
		return err
	}
	if len(objs) == 1 {
		objs[0].Master.Name = filepath.Base(name)
	}
	for _, obj := range objs {
		out, err := ics.Apply(ctx, svc, obj)
		if err != nil {
			return fmt.Errorf("uid %s: %w", obj.Master.UID, err)
		}
		fmt.Printf("%s\tcreated=%v unchanged=%v instances=%d rejected=%d\n",
			obj.Master.UID, out.Created, out.Unchanged, out.Instances, len(out.Failed))
	}
	return nil
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write a collection's events as .ics files",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "collection", Required: true},
			&cli.StringFlag{Name: "out", Usage: "Output directory", Value: "."},
			asFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, engine, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.String("out")
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			files, err := storage.NewFS(out)
			if err != nil {
				return err
			}
			ctx = authz.WithPrincipal(ctx, cmd.String("as"))
			n, err := importer.Export(ctx, engine.Service, files, cmd.String("collection"), "")
			fmt.Printf("%d files written to %s\n", n, out)
			return err
		},
	}
}

func freeBusyCommand() *cli.Command {
	layouts := []string{time.RFC3339, "2006-01-02"}
	return &cli.Command{
		Name:  "freebusy",
		Usage: "Print merged busy periods as JSON",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "collection", Required: true},
			&cli.TimestampFlag{Name: "from", Required: true, Config: cli.TimestampConfig{Layouts: layouts}},
			&cli.TimestampFlag{Name: "to", Required: true, Config: cli.TimestampConfig{Layouts: layouts}},
			&cli.StringFlag{Name: "tz", Usage: "IANA zone for floating times"},
			&cli.BoolFlag{Name: "include-transparent"},
			asFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, engine, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()

			opts := calendar.FreeBusyOptions{IncludeTransparent: cmd.Bool("include-transparent")}
			if tz := cmd.String("tz"); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("unknown tz %q", tz)
				}
				opts.Location = loc
			}
			ctx = authz.WithPrincipal(ctx, cmd.String("as"))
			periods, err := engine.Service.FreeBusy(ctx, cmd.StringSlice("collection"),
				cmd.Timestamp("from"), cmd.Timestamp("to"), opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(periods)
		},
	}
}
