package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/source/billyfs"
)

var dropCmd = &cobra.Command{
	Use:   "drop <path>...",
	Short: "Upload files and folders, keeping empty folders",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		src := billyfs.New(osfs.New("/"), billyfs.WithPageSize(cfg.PageSize))
		roots, err := hostRoots(src, args)
		if err != nil {
			return err
		}

		return runGesture(ctx, a, src, roots)
	},
}

func runGesture(ctx context.Context, a *app, src ingest.Source, roots []ingest.Root) error {
	g, err := a.dropzone.Drop(ctx, src, roots)
	if errors.Is(err, ingest.ErrNothingToUpload) {
		fmt.Println("nothing to upload")
		return nil
	}
	if err != nil {
		return err
	}
	b, err := g.Wait(ctx)
	if err != nil {
		return err
	}
	printBatch(b)
	if b.Empty() {
		return nil
	}
	return a.finish(ctx)
}

// hostRoots turns command line paths into roots. File roots carry a fallback
// read straight from the OS, used when the filesystem source cannot resolve them.
func hostRoots(src *billyfs.Source, paths []string) ([]ingest.Root, error) {
	roots := make([]ingest.Root, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		e, err := src.Entry(filepath.ToSlash(abs))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		root := ingest.Root{Entry: e}
		if !e.IsDir() {
			root.Fallback = osFallback(abs)
		}
		roots = append(roots, root)
	}
	return roots, nil
}

func osFallback(path string) *ingest.File {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	return &ingest.File{
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Content: ingest.ContentFunc(func(context.Context) (io.ReadCloser, error) {
			return os.Open(path)
		}),
	}
}
