package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/dropzone/internal/ingest"
)

var pickCmd = &cobra.Command{
	Use:   "pick <folder>",
	Short: "Upload a folder the way a folder picker exposes it",
	Long: `Upload a folder as a flat list of files tagged with their path below the
picked folder. Empty folders are not detected in this mode.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		selected, err := pickFolder(osfs.New(filepath.Dir(abs)), filepath.Base(abs))
		if err != nil {
			return err
		}

		b, err := a.dropzone.Pick(ctx, selected)
		if errors.Is(err, ingest.ErrNothingToUpload) {
			fmt.Println("nothing to upload")
			return nil
		}
		if err != nil {
			return err
		}
		printBatch(b)
		return a.finish(ctx)
	},
}

// pickFolder lists every file below dir with a RelativePath rooted at dir's
// own name, as a browser folder picker reports them.
func pickFolder(fs billy.Filesystem, dir string) ([]ingest.Selected, error) {
	var selected []ingest.Selected
	err := util.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		p = filepath.ToSlash(p)
		selected = append(selected, ingest.Selected{
			File: &ingest.File{
				Name:    info.Name(),
				Size:    info.Size(),
				ModTime: info.ModTime(),
				Content: ingest.ContentFunc(func(context.Context) (io.ReadCloser, error) {
					return fs.Open(p)
				}),
			},
			RelativePath: path.Clean(p),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return selected, nil
}
