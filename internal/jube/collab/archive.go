package collab

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSArchiver uploads a finished benchmark run directory to Google Cloud
// Storage as a single gzip-compressed tarball, the target of the CLI's
// --archive gs://bucket/prefix flag.
type GCSArchiver struct {
	Client *storage.Client
	Bucket string
	Prefix string
}

// NewGCSArchiver parses a "gs://bucket/prefix" target URL and constructs a
// client bound to it.
func NewGCSArchiver(ctx context.Context, target string) (*GCSArchiver, error) {
	bucket, prefix, err := parseGSURL(target)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create storage client: %w", err)
	}
	return &GCSArchiver{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

func parseGSURL(target string) (bucket, prefix string, err error) {
	const scheme = "gs://"
	if !strings.HasPrefix(target, scheme) {
		return "", "", fmt.Errorf("archive: %q is not a gs:// URL", target)
	}
	rest := strings.TrimPrefix(target, scheme)
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if bucket == "" {
		return "", "", fmt.Errorf("archive: %q has no bucket name", target)
	}
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

// Archive tars+gzips runDir and uploads it as "<prefix>/<basename>.tar.gz".
func (a *GCSArchiver) Archive(ctx context.Context, runDir string) error {
	if a == nil || a.Client == nil {
		return nil
	}
	objectName := filepath.Base(runDir) + ".tar.gz"
	if a.Prefix != "" {
		objectName = strings.TrimSuffix(a.Prefix, "/") + "/" + objectName
	}
	w := a.Client.Bucket(a.Bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/gzip"
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(runDir, path)
		if relErr != nil {
			return relErr
		}
		hdr, hdrErr := tar.FileInfoHeader(info, "")
		if hdrErr != nil {
			return hdrErr
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gz.Close()
		_ = w.Close()
		return fmt.Errorf("archive: walk %q: %w", runDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		_ = gz.Close()
		_ = w.Close()
		return fmt.Errorf("archive: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: close gzip writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: close gcs writer: %w", err)
	}
	return nil
}
