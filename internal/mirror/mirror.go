// Package mirror copies an output directory to object storage or another
// local directory.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the subset of the s3 client used here; tests substitute a fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// newS3Client honors AWS_REGION, AWS_ENDPOINT_URL_S3 and
// AWS_S3_FORCE_PATH_STYLE so MinIO works too.
var newS3Client = func(ctx context.Context, region string) (s3API, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep := os.Getenv("AWS_ENDPOINT_URL_S3"); ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
		if strings.EqualFold(os.Getenv("AWS_S3_FORCE_PATH_STYLE"), "true") {
			o.UsePathStyle = true
		}
	}), nil
}

// Options configures Publish.
type Options struct {
	Destination string // s3://bucket/prefix or file:///dir
	Region      string
	Logger      *slog.Logger
}

// Result summarizes a Publish call.
type Result struct {
	Destination string   `json:"destination" yaml:"destination"`
	Files       []string `json:"files" yaml:"files"`
	Bytes       int64    `json:"bytes" yaml:"bytes"`
}

// Publish copies every .json file at the top of dir, including the ledger
// and waitlist, to opts.Destination.
func Publish(ctx context.Context, dir string, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(opts.Destination)
	if err != nil {
		return Result{}, fmt.Errorf("parse destination: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return Result{}, err
	}
	sort.Strings(files)

	var put func(ctx context.Context, name string, f *os.File, size int64) error
	switch u.Scheme {
	case "s3":
		bucket := u.Host
		prefix := strings.Trim(u.Path, "/")
		if bucket == "" {
			return Result{}, errors.New("invalid s3 destination: missing bucket")
		}
		client, err := newS3Client(ctx, opts.Region)
		if err != nil {
			return Result{}, fmt.Errorf("s3 client: %w", err)
		}
		put = func(ctx context.Context, name string, f *os.File, size int64) error {
			_, err := client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(bucket),
				Key:           aws.String(path.Join(prefix, name)),
				Body:          f,
				ContentLength: aws.Int64(size),
				ContentType:   aws.String("application/json"),
			})
			return err
		}
	case "file":
		target := u.Path
		if target == "" {
			return Result{}, errors.New("invalid file destination: missing path")
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return Result{}, err
		}
		put = func(_ context.Context, name string, f *os.File, _ int64) error {
			return copyFile(filepath.Join(target, name), f)
		}
	default:
		return Result{}, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}

	res := Result{Destination: opts.Destination}
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := filepath.Base(p)
		size, err := publishOne(ctx, p, name, put)
		if err != nil {
			return res, fmt.Errorf("publish %s: %w", name, err)
		}
		res.Files = append(res.Files, name)
		res.Bytes += size
		logger.Debug("published", "file", name, "bytes", size)
	}
	logger.Info("publish finished", "destination", opts.Destination, "files", len(res.Files), "bytes", res.Bytes)
	return res, nil
}

func publishOne(ctx context.Context, p, name string, put func(context.Context, string, *os.File, int64) error) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := put(ctx, name, f, st.Size()); err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// copyFile writes src to dst through a temp file and rename.
func copyFile(dst string, src io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
