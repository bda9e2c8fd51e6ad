// Package main is the entry point for filestore-ctl, which runs storage
// operations against the targets of a filestore configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/bleepstore/filestore/internal/config"
	"github.com/bleepstore/filestore/internal/logging"
	"github.com/bleepstore/filestore/internal/pathutil"
	"github.com/bleepstore/filestore/internal/storage"
)

// errMissing is returned by exists for an absent path so main exits 1
// after printing "false".
var errMissing = errors.New("path does not exist")

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "filestore.yaml",
	Usage:   "Path to configuration file",
	EnvVars: []string{"FILESTORE_CONFIG"},
}

var flagLogLevel = &cli.StringFlag{
	Name:  "log-level",
	Value: "warn",
	Usage: "Log level: debug, info, warn, error",
}

var flagBase = &cli.StringFlag{
	Name:  "base",
	Usage: "Base directory for relative paths (default: working directory)",
}

func main() {
	if err := newApp(os.Stdin, os.Stdout).Run(os.Args); err != nil {
		if !errors.Is(err, errMissing) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newApp(stdin io.Reader, stdout io.Writer) *cli.App {
	return &cli.App{
		Name:   "filestore-ctl",
		Usage:  "run storage operations against configured targets",
		Reader: stdin,
		Writer: stdout,
		Flags:  []cli.Flag{flagConfig, flagLogLevel},
		Before: func(cCtx *cli.Context) error {
			logging.Setup(cCtx.String(flagLogLevel.Name), "text", cCtx.App.ErrWriter)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "targets",
				Usage:  "List configured storage targets",
				Action: runTargets,
			},
			{
				Name:      "put",
				Usage:     "Create a file from a local file or stdin",
				ArgsUsage: "<target> <path> [source|-]",
				Action:    runPut,
			},
			{
				Name:      "get",
				Usage:     "Write a file's content to stdout",
				ArgsUsage: "<target> <path>",
				Action:    runGet,
			},
			{
				Name:      "exists",
				Usage:     "Report whether a path exists (exit status 1 when it does not)",
				ArgsUsage: "<target> <path>",
				Action:    runExists,
			},
			{
				Name:      "rm",
				Usage:     "Delete a file",
				ArgsUsage: "<target> <path>",
				Action:    runDelete,
			},
			{
				Name:      "mv",
				Usage:     "Rename a file within a target",
				ArgsUsage: "<target> <src> <dst>",
				Action:    runRename,
			},
			{
				Name:      "cp",
				Usage:     "Copy a file within a target",
				ArgsUsage: "<target> <src> <dst>",
				Action:    runCopy,
			},
			{
				Name:      "realpath",
				Usage:     "Print the canonical absolute form of a local path",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{flagBase},
				Action:    runRealpath,
			},
			{
				Name:      "relpath",
				Usage:     "Print a local path relative to a base directory",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{flagBase},
				Action:    runRelpath,
			},
			{
				Name:   "health",
				Usage:  "Construct every target and run its backend check",
				Action: runHealth,
			},
		},
	}
}

func openFactory(cCtx *cli.Context) (*storage.Factory, error) {
	cfg, err := config.Load(cCtx.String(flagConfig.Name))
	if err != nil {
		return nil, err
	}
	f := storage.NewFactory(cfg.Storage)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// withStorage opens the factory, checks the argument count and runs fn
// with the facade for the first argument.
func withStorage(cCtx *cli.Context, nargs int, fn func(ctx context.Context, s *storage.Storage, args []string) error) error {
	if cCtx.NArg() != nargs {
		return fmt.Errorf("%s: expected arguments %s", cCtx.Command.Name, cCtx.Command.ArgsUsage)
	}
	f, err := openFactory(cCtx)
	if err != nil {
		return err
	}
	defer f.Close()
	args := cCtx.Args().Slice()
	return fn(cCtx.Context, storage.NewStorage(f, args[0]), args[1:])
}

func runTargets(cCtx *cli.Context) error {
	f, err := openFactory(cCtx)
	if err != nil {
		return err
	}
	defer f.Close()

	tw := tabwriter.NewWriter(cCtx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND")
	for _, name := range f.Targets() {
		kind, _ := f.Kind(name)
		fmt.Fprintf(tw, "%s\t%s\n", name, kind)
	}
	return tw.Flush()
}

func runPut(cCtx *cli.Context) error {
	if n := cCtx.NArg(); n < 2 || n > 3 {
		return fmt.Errorf("put: expected arguments %s", cCtx.Command.ArgsUsage)
	}
	source := cCtx.Args().Get(2)

	var src io.Reader = cCtx.App.Reader
	if source != "" && source != "-" {
		fh, err := os.Open(source)
		if err != nil {
			return err
		}
		defer fh.Close()
		src = fh
	}

	f, err := openFactory(cCtx)
	if err != nil {
		return err
	}
	defer f.Close()
	s := storage.NewStorage(f, cCtx.Args().Get(0))
	ctx, path := cCtx.Context, cCtx.Args().Get(1)

	streaming, err := s.SupportsStreaming(ctx)
	if err != nil {
		return err
	}
	if streaming {
		_, err = s.WriteStream(ctx, path, src)
		return err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	return s.Put(ctx, path, data)
}

func runGet(cCtx *cli.Context) error {
	return withStorage(cCtx, 2, func(ctx context.Context, s *storage.Storage, args []string) error {
		streaming, err := s.SupportsStreaming(ctx)
		if err != nil {
			return err
		}
		if !streaming {
			data, err := s.Get(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = cCtx.App.Writer.Write(data)
			return err
		}
		rc, err := s.OpenReadStream(ctx, args[0])
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(cCtx.App.Writer, rc)
		return err
	})
}

func runExists(cCtx *cli.Context) error {
	return withStorage(cCtx, 2, func(ctx context.Context, s *storage.Storage, args []string) error {
		ok, err := s.Exists(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cCtx.App.Writer, ok)
		if !ok {
			return errMissing
		}
		return nil
	})
}

func runDelete(cCtx *cli.Context) error {
	return withStorage(cCtx, 2, func(ctx context.Context, s *storage.Storage, args []string) error {
		return s.Delete(ctx, args[0])
	})
}

func runRename(cCtx *cli.Context) error {
	return withStorage(cCtx, 3, func(ctx context.Context, s *storage.Storage, args []string) error {
		return s.Rename(ctx, args[0], args[1])
	})
}

func runCopy(cCtx *cli.Context) error {
	return withStorage(cCtx, 3, func(ctx context.Context, s *storage.Storage, args []string) error {
		return s.Copy(ctx, args[0], args[1])
	})
}

func runRealpath(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("realpath: expected arguments %s", cCtx.Command.ArgsUsage)
	}
	p, err := pathutil.Canonicalize(cCtx.Args().First(), cCtx.String(flagBase.Name))
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, p)
	return nil
}

func runRelpath(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("relpath: expected arguments %s", cCtx.Command.ArgsUsage)
	}
	base := cCtx.String(flagBase.Name)
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		base = wd
	}
	base, err := pathutil.Canonicalize(base, "")
	if err != nil {
		return err
	}
	target, err := pathutil.Canonicalize(cCtx.Args().First(), base)
	if err != nil {
		return err
	}
	rel, err := pathutil.Relative(target, base)
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, rel)
	return nil
}

func runHealth(cCtx *cli.Context) error {
	f, err := openFactory(cCtx)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := cCtx.Context
	failed := 0
	tw := tabwriter.NewWriter(cCtx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tDETAIL")
	for _, name := range f.Targets() {
		if _, err := f.Resolve(ctx, name); err != nil {
			failed++
			fmt.Fprintf(tw, "%s\terror\t%v\n", name, err)
		}
	}
	results := f.HealthCheck(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := results[name]; err != nil {
			failed++
			fmt.Fprintf(tw, "%s\terror\t%v\n", name, err)
			continue
		}
		fmt.Fprintf(tw, "%s\tok\t\n", name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d target(s) unhealthy", failed)
	}
	return nil
}
