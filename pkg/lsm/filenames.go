package lsm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dd0wney/cluso-kv/pkg/env"
)

// FileType classifies the files of a database directory.
type FileType int

const (
	LogFile FileType = iota
	LockFile
	TableFile
	DescriptorFile
	CurrentFile
	TempFile
	InfoLogFile
)

func makeFileName(dbname string, number uint64, suffix string) string {
	return fmt.Sprintf("%s/%06d.%s", dbname, number, suffix)
}

// LogFileName returns the name of a write-ahead log file.
func LogFileName(dbname string, number uint64) string {
	return makeFileName(dbname, number, "log")
}

// TableFileName returns the name of a sorted table file.
func TableFileName(dbname string, number uint64) string {
	return makeFileName(dbname, number, "ldb")
}

// SSTTableFileName returns the legacy table name still accepted on
// open.
func SSTTableFileName(dbname string, number uint64) string {
	return makeFileName(dbname, number, "sst")
}

// DescriptorFileName returns the name of a manifest file.
func DescriptorFileName(dbname string, number uint64) string {
	return fmt.Sprintf("%s/MANIFEST-%06d", dbname, number)
}

// CurrentFileName returns the name of the CURRENT pointer file.
func CurrentFileName(dbname string) string { return dbname + "/CURRENT" }

// LockFileName returns the name of the advisory lock file.
func LockFileName(dbname string) string { return dbname + "/LOCK" }

// TempFileName returns a scratch name that is renamed into place or
// discarded.
func TempFileName(dbname string, number uint64) string {
	return makeFileName(dbname, number, "dbtmp")
}

// InfoLogFileName returns the name of the engine's info log.
func InfoLogFileName(dbname string) string { return dbname + "/LOG" }

// OldInfoLogFileName returns where the previous info log is rotated
// to.
func OldInfoLogFileName(dbname string) string { return dbname + "/LOG.old" }

// ParseFileName decodes a directory entry into its type and number.
// Owned files follow:
//
//	dbname/CURRENT
//	dbname/LOCK
//	dbname/LOG, dbname/LOG.old
//	dbname/MANIFEST-[0-9]+
//	dbname/[0-9]+.{log,ldb,sst,dbtmp}
func ParseFileName(filename string) (number uint64, ft FileType, ok bool) {
	switch filename {
	case "CURRENT":
		return 0, CurrentFile, true
	case "LOCK":
		return 0, LockFile, true
	case "LOG", "LOG.old":
		return 0, InfoLogFile, true
	}
	if rest, found := strings.CutPrefix(filename, "MANIFEST-"); found {
		n, err := parseDecimal(rest)
		if err != nil {
			return 0, 0, false
		}
		return n, DescriptorFile, true
	}

	dot := strings.IndexByte(filename, '.')
	if dot < 0 {
		return 0, 0, false
	}
	n, err := parseDecimal(filename[:dot])
	if err != nil {
		return 0, 0, false
	}
	switch filename[dot+1:] {
	case "log":
		return n, LogFile, true
	case "ldb", "sst":
		return n, TableFile, true
	case "dbtmp":
		return n, TempFile, true
	default:
		return 0, 0, false
	}
}

func parseDecimal(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.ParseUint(s, 10, 64)
}

// SetCurrentFile points CURRENT at the descriptor with the given
// number, using a synced temp file and rename so the switch is atomic.
func SetCurrentFile(e env.Env, dbname string, descriptorNumber uint64) error {
	manifest := DescriptorFileName(dbname, descriptorNumber)
	contents := strings.TrimPrefix(manifest, dbname+"/")
	tmp := TempFileName(dbname, descriptorNumber)
	if err := env.WriteStringToFileSync(e, contents+"\n", tmp); err != nil {
		return err
	}
	if err := e.RenameFile(tmp, CurrentFileName(dbname)); err != nil {
		e.RemoveFile(tmp)
		return err
	}
	return nil
}
