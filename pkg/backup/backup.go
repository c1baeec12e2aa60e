// Package backup copies database files to and from S3-compatible
// object storage. A backup taken from a directory that is not being
// written to restores byte for byte; back up either a closed database
// or a copy of its directory.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// s3API is the slice of the S3 client used here.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client uploads and downloads database snapshots.
type Client struct {
	api    s3API
	bucket string
	prefix string
	logger logging.Logger
}

// Options configures a backup client.
type Options struct {
	// Bucket is the destination bucket.
	Bucket string

	// Prefix is prepended to every snapshot key.
	Prefix string

	// Logger receives per-file progress. Nil discards it.
	Logger logging.Logger
}

// New wraps an S3 client for snapshot transfer.
func New(api *s3.Client, opts Options) *Client {
	return newClient(api, opts)
}

func newClient(api s3API, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		api:    api,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: logger,
	}
}

// backupFile says whether name belongs in a snapshot.
func backupFile(name string) bool {
	if name == "CURRENT" || strings.HasPrefix(name, "MANIFEST-") {
		return true
	}
	switch filepath.Ext(name) {
	case ".ldb", ".sst", ".log":
		return true
	}
	return false
}

func (c *Client) key(snapshot, name string) string {
	if c.prefix == "" {
		return snapshot + "/" + name
	}
	return c.prefix + "/" + snapshot + "/" + name
}

// Backup uploads every database file under dir as a new snapshot and
// returns the snapshot name.
func (c *Client) Backup(ctx context.Context, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read database dir: %w", err)
	}

	// A random suffix keeps two backups in the same second distinct.
	snapshot := time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
	n := 0
	for _, e := range entries {
		if e.IsDir() || !backupFile(e.Name()) {
			continue
		}
		if err := c.putFile(ctx, snapshot, dir, e.Name()); err != nil {
			return "", err
		}
		n++
	}
	if n == 0 {
		return "", fmt.Errorf("%s: no database files to back up", dir)
	}
	c.logger.Info("backup complete",
		logging.String("snapshot", snapshot),
		logging.Int("files", n))
	return snapshot, nil
}

func (c *Client) putFile(ctx context.Context, snapshot, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	key := c.key(snapshot, name)
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	c.logger.Debug("uploaded",
		logging.String("key", key),
		logging.Int("bytes", len(data)))
	return nil
}

// Restore downloads snapshot into dir, which must be empty or
// nonexistent.
func (c *Client) Restore(ctx context.Context, snapshot, dir string) error {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("%s: restore target is not empty", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create restore dir: %w", err)
	}

	keys, err := c.listSnapshot(ctx, snapshot)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("snapshot %s: no objects found", snapshot)
	}
	for _, key := range keys {
		if err := c.getFile(ctx, key, dir); err != nil {
			return err
		}
	}
	c.logger.Info("restore complete",
		logging.String("snapshot", snapshot),
		logging.Int("files", len(keys)))
	return nil
}

func (c *Client) listSnapshot(ctx context.Context, snapshot string) ([]string, error) {
	prefix := c.key(snapshot, "")
	var keys []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *Client) getFile(ctx context.Context, key, dir string) error {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	name := key[strings.LastIndexByte(key, '/')+1:]
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

// ListSnapshots returns the snapshot names under the client's prefix,
// oldest first.
func (c *Client) ListSnapshots(ctx context.Context) ([]string, error) {
	prefix := ""
	if c.prefix != "" {
		prefix = c.prefix + "/"
	}
	seen := make(map[string]bool)
	var names []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			snapshot, _, ok := strings.Cut(rest, "/")
			if ok && !seen[snapshot] {
				seen[snapshot] = true
				names = append(names, snapshot)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}
