package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/source/s3src"
	s3storage "github.com/fruitsalade/dropzone/internal/storage/s3"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket s3://<bucket>/<key-or-prefix>...",
	Short: "Upload objects and prefixes from an S3 bucket",
	Long: `Treat bucket prefixes as folders and objects as files. All URIs must name the
same bucket. S3_ENDPOINT and the S3 credentials apply to the source as well.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		bucket, keys, err := parseS3URIs(args)
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		srcCfg := s3Config(cfg)
		srcCfg.Bucket = bucket
		client, err := s3storage.NewClient(ctx, srcCfg)
		if err != nil {
			return err
		}
		src := s3src.New(client, bucket, cfg.PageSize)

		roots := make([]ingest.Root, 0, len(keys))
		for _, k := range keys {
			e, err := src.Entry(ctx, k)
			if err != nil {
				return err
			}
			roots = append(roots, ingest.Root{Entry: e})
		}

		return runGesture(ctx, a, src, roots)
	},
}

func parseS3URIs(args []string) (string, []string, error) {
	var bucket string
	keys := make([]string, 0, len(args))
	for _, arg := range args {
		u, err := url.Parse(arg)
		if err != nil || u.Scheme != "s3" || u.Host == "" {
			return "", nil, fmt.Errorf("invalid S3 URI %q, want s3://bucket/key", arg)
		}
		if bucket != "" && u.Host != bucket {
			return "", nil, fmt.Errorf("all URIs must name the same bucket, got %s and %s", bucket, u.Host)
		}
		bucket = u.Host
		keys = append(keys, strings.TrimPrefix(u.Path, "/"))
	}
	return bucket, keys, nil
}
