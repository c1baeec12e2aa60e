package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 keeps objects in a map.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func writeTestDB(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"CURRENT":        "MANIFEST-000002\n",
		"MANIFEST-000002": "manifest-bytes",
		"000003.log":      "wal-bytes",
		"000004.ldb":      "table-bytes",
		"LOCK":            "",
		"LOG":             "info log, not part of a snapshot",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	return dir
}

func TestBackupAndRestore(t *testing.T) {
	api := newFakeS3()
	c := newClient(api, Options{Bucket: "b", Prefix: "env/db1"})
	dir := writeTestDB(t)

	snapshot, err := c.Backup(context.Background(), dir)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if len(api.objects) != 4 {
		t.Fatalf("uploaded %d objects, want 4 (LOCK and LOG excluded)", len(api.objects))
	}
	for key := range api.objects {
		if !strings.HasPrefix(key, "env/db1/"+snapshot+"/") {
			t.Errorf("object key %q missing prefix", key)
		}
	}

	dest := filepath.Join(t.TempDir(), "restored")
	if err := c.Restore(context.Background(), snapshot, dest); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	for _, name := range []string{"CURRENT", "MANIFEST-000002", "000003.log", "000004.ldb"} {
		orig, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read original %s: %v", name, err)
		}
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("read restored %s: %v", name, err)
		}
		if !bytes.Equal(orig, got) {
			t.Errorf("%s: restored bytes differ", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "LOCK")); !os.IsNotExist(err) {
		t.Error("LOCK should not be restored")
	}
}

func TestBackupEmptyDir(t *testing.T) {
	c := newClient(newFakeS3(), Options{Bucket: "b"})
	if _, err := c.Backup(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error backing up an empty directory")
	}
}

func TestRestoreRefusesNonEmptyDir(t *testing.T) {
	api := newFakeS3()
	api.objects["snap/CURRENT"] = []byte("MANIFEST-000002\n")
	c := newClient(api, Options{Bucket: "b"})

	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "existing"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Restore(context.Background(), "snap", dest); err == nil {
		t.Fatal("expected error restoring into non-empty directory")
	}
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	c := newClient(newFakeS3(), Options{Bucket: "b"})
	err := c.Restore(context.Background(), "20990101T000000Z", filepath.Join(t.TempDir(), "out"))
	if err == nil {
		t.Fatal("expected error for unknown snapshot")
	}
}

func TestListSnapshots(t *testing.T) {
	api := newFakeS3()
	api.objects["p/20240101T000000Z/CURRENT"] = []byte("a")
	api.objects["p/20240101T000000Z/000004.ldb"] = []byte("b")
	api.objects["p/20240202T000000Z/CURRENT"] = []byte("c")
	c := newClient(api, Options{Bucket: "b", Prefix: "p"})

	names, err := c.ListSnapshots(context.Background())
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	want := []string{"20240101T000000Z", "20240202T000000Z"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("ListSnapshots = %v, want %v", names, want)
	}
}

func TestBackupFileFilter(t *testing.T) {
	cases := map[string]bool{
		"CURRENT":         true,
		"MANIFEST-000007": true,
		"000001.log":      true,
		"000002.ldb":      true,
		"000002.sst":      true,
		"LOCK":            false,
		"LOG":             false,
		"LOG.old":         false,
		"000009.dbtmp":    false,
	}
	for name, want := range cases {
		if got := backupFile(name); got != want {
			t.Errorf("backupFile(%q) = %v, want %v", name, got, want)
		}
	}
}
