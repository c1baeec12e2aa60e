package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/dd0wney/cluso-kv/pkg/backup"
	"github.com/dd0wney/cluso-kv/pkg/config"
	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// backupFlags is the S3 flag set shared by backup, restore, and
// snapshots.
type backupFlags struct {
	config   *string
	bucket   *string
	prefix   *string
	region   *string
	endpoint *string
}

func addBackupFlags(fs *flag.FlagSet) *backupFlags {
	return &backupFlags{
		config:   fs.String("config", "", "YAML configuration file"),
		bucket:   fs.String("bucket", "", "S3 bucket"),
		prefix:   fs.String("prefix", "", "Key prefix inside the bucket"),
		region:   fs.String("region", "", "S3 region"),
		endpoint: fs.String("endpoint", "", "S3-compatible endpoint URL"),
	}
}

// client resolves flags against the optional config file and dials S3.
func (bf *backupFlags) client(ctx context.Context) (*backup.Client, error) {
	bucket, prefix, region, endpoint := *bf.bucket, *bf.prefix, *bf.region, *bf.endpoint
	if *bf.config != "" {
		cfg, err := config.Load(*bf.config)
		if err != nil {
			return nil, err
		}
		if bucket == "" {
			bucket = cfg.Backup.Bucket
		}
		if prefix == "" {
			prefix = cfg.Backup.Prefix
		}
		if region == "" {
			region = cfg.Backup.Region
		}
		if endpoint == "" {
			endpoint = cfg.Backup.Endpoint
		}
	}
	if bucket == "" {
		return nil, fmt.Errorf("an S3 bucket is required (--bucket or backup.bucket in the config)")
	}

	api, err := backup.Dial(ctx, backup.DialOptions{Region: region, Endpoint: endpoint})
	if err != nil {
		return nil, err
	}
	return backup.New(api, backup.Options{
		Bucket: bucket,
		Prefix: prefix,
		Logger: logging.NewJSONLogger(os.Stderr, logging.InfoLevel),
	}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	db := fs.String("db", "", "Database directory")
	bf := addBackupFlags(fs)
	fs.Parse(args)

	dir := *db
	if dir == "" && *bf.config != "" {
		cfg, err := config.Load(*bf.config)
		if err != nil {
			return err
		}
		dir = cfg.Path
	}
	if dir == "" {
		return fmt.Errorf("usage: clusokv backup --db <dir> --bucket <bucket>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := bf.client(ctx)
	if err != nil {
		return err
	}
	snapshot, err := c.Backup(ctx, dir)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %s\n", snapshot)
	return nil
}

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dest := fs.String("dest", "", "Empty directory to restore into")
	snapshot := fs.String("snapshot", "", "Snapshot name from `clusokv snapshots`")
	bf := addBackupFlags(fs)
	fs.Parse(args)
	if *dest == "" || *snapshot == "" {
		return fmt.Errorf("usage: clusokv restore --snapshot <name> --dest <dir> --bucket <bucket>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := bf.client(ctx)
	if err != nil {
		return err
	}
	return c.Restore(ctx, *snapshot, *dest)
}

func runSnapshots(args []string) error {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	bf := addBackupFlags(fs)
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	c, err := bf.client(ctx)
	if err != nil {
		return err
	}
	names, err := c.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
