package lsm

import (
	"testing"

	"github.com/dd0wney/cluso-kv/pkg/env"
)

func TestFileNameFormatting(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{LogFileName("/db", 7), "/db/000007.log"},
		{TableFileName("/db", 123456), "/db/123456.ldb"},
		{SSTTableFileName("/db", 42), "/db/000042.sst"},
		{DescriptorFileName("/db", 1), "/db/MANIFEST-000001"},
		{CurrentFileName("/db"), "/db/CURRENT"},
		{LockFileName("/db"), "/db/LOCK"},
		{TempFileName("/db", 9), "/db/000009.dbtmp"},
		{InfoLogFileName("/db"), "/db/LOG"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestParseFileName(t *testing.T) {
	cases := []struct {
		name   string
		number uint64
		ft     FileType
		ok     bool
	}{
		{"000007.log", 7, LogFile, true},
		{"123456.ldb", 123456, TableFile, true},
		{"000042.sst", 42, TableFile, true},
		{"MANIFEST-000001", 1, DescriptorFile, true},
		{"CURRENT", 0, CurrentFile, true},
		{"LOCK", 0, LockFile, true},
		{"000009.dbtmp", 9, TempFile, true},
		{"LOG", 0, InfoLogFile, true},
		{"LOG.old", 0, InfoLogFile, true},
		{"", 0, 0, false},
		{"foo", 0, 0, false},
		{"foo-dx-100.log", 0, 0, false},
		{".log", 0, 0, false},
		{"100", 0, 0, false},
		{"100.", 0, 0, false},
		{"MANIFEST", 0, 0, false},
		{"MANIFEST-", 0, 0, false},
		{"XMANIFEST-3", 0, 0, false},
		{"184467440737095516150.log", 0, 0, false},
	}
	for _, tc := range cases {
		number, ft, ok := ParseFileName(tc.name)
		if ok != tc.ok {
			t.Errorf("ParseFileName(%q) ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if number != tc.number || ft != tc.ft {
			t.Errorf("ParseFileName(%q) = (%d, %v), want (%d, %v)",
				tc.name, number, ft, tc.number, tc.ft)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	names := []string{
		LogFileName("", 300),
		TableFileName("", 400),
		DescriptorFileName("", 500),
		TempFileName("", 600),
	}
	for _, full := range names {
		name := full[1:] // strip the leading slash
		if _, _, ok := ParseFileName(name); !ok {
			t.Errorf("generated name %q does not parse", name)
		}
	}
}

func TestSetCurrentFile(t *testing.T) {
	e := env.NewMem()
	e.CreateDir("/db")
	if err := SetCurrentFile(e, "/db", 5); err != nil {
		t.Fatalf("SetCurrentFile failed: %v", err)
	}
	data, err := env.ReadFileToString(e, CurrentFileName("/db"))
	if err != nil {
		t.Fatalf("read CURRENT: %v", err)
	}
	if data != "MANIFEST-000005\n" {
		t.Errorf("CURRENT = %q", data)
	}
	if e.FileExists(TempFileName("/db", 5)) {
		t.Error("temp file left behind")
	}
}
