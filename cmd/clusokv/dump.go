package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/dd0wney/cluso-kv/pkg/batch"
	"github.com/dd0wney/cluso-kv/pkg/env"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/lsm"
	"github.com/dd0wney/cluso-kv/pkg/table"
	"github.com/dd0wney/cluso-kv/pkg/wal"
)

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: clusokv dump <file>")
	}
	path := fs.Arg(0)

	_, ft, ok := lsm.ParseFileName(filepath.Base(path))
	if !ok {
		return fmt.Errorf("%s: not a recognized database file name", path)
	}
	switch ft {
	case lsm.LogFile:
		return dumpLog(path)
	case lsm.DescriptorFile:
		return dumpDescriptor(path)
	case lsm.TableFile:
		return dumpTable(path)
	default:
		return fmt.Errorf("%s: no dump support for this file type", path)
	}
}

// printReporter prints corruption instead of aborting the dump.
type printReporter struct{}

func (printReporter) Corruption(bytes int, err error) {
	fmt.Printf("** corruption: %d bytes; %v\n", bytes, err)
}

func dumpLog(path string) error {
	e := env.Default()
	file, err := e.NewSequentialFile(path)
	if err != nil {
		return err
	}
	defer file.Close()

	r := wal.NewReader(file, printReporter{}, true, 0)
	for {
		record, ok := r.ReadRecord()
		if !ok {
			return nil
		}
		if len(record) < 12 {
			fmt.Printf("** short record: %d bytes\n", len(record))
			continue
		}
		b := batch.New()
		if err := b.SetContents(record); err != nil {
			fmt.Printf("** bad batch: %v\n", err)
			continue
		}
		fmt.Printf("--- sequence %d, %d ops\n", b.Sequence(), b.Count())
		if err := b.Iterate(&printHandler{}); err != nil {
			fmt.Printf("** bad batch contents: %v\n", err)
		}
	}
}

// printHandler renders each batch op on one line.
type printHandler struct{}

func (printHandler) Put(key, value []byte) {
	fmt.Printf("  put %s %s\n", quoteKey(key), quoteKey(value))
}

func (printHandler) Delete(key []byte) {
	fmt.Printf("  del %s\n", quoteKey(key))
}

func dumpDescriptor(path string) error {
	e := env.Default()
	file, err := e.NewSequentialFile(path)
	if err != nil {
		return err
	}
	defer file.Close()

	r := wal.NewReader(file, printReporter{}, true, 0)
	for {
		record, ok := r.ReadRecord()
		if !ok {
			return nil
		}
		var edit lsm.VersionEdit
		if err := edit.DecodeFrom(record); err != nil {
			fmt.Printf("** bad edit: %v\n", err)
			continue
		}
		fmt.Print(edit.DebugString())
	}
}

func dumpTable(path string) error {
	e := env.Default()
	size, err := e.GetFileSize(path)
	if err != nil {
		return err
	}
	file, err := e.NewRandomAccessFile(path)
	if err != nil {
		return err
	}

	t, err := table.Open(table.Options{Comparator: keys.BytewiseComparator}, file, size)
	if err != nil {
		file.Close()
		return err
	}
	defer t.Close()

	it := t.NewIterator()
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		pik, err := keys.ParseInternalKey(it.Key())
		if err != nil {
			fmt.Printf("** bad internal key %s\n", strconv.Quote(string(it.Key())))
			continue
		}
		kind := "val"
		if pik.Type == keys.TypeDeletion {
			kind = "del"
		}
		fmt.Printf("%s @ %d : %s => %s\n",
			quoteKey(pik.UserKey), pik.Sequence, kind, quoteKey(it.Value()))
	}
	return it.Err()
}
