package lsm

import (
	"github.com/dd0wney/cluso-kv/pkg/iterator"
	"github.com/dd0wney/cluso-kv/pkg/keys"
	"github.com/dd0wney/cluso-kv/pkg/table"
)

// buildTable writes the contents of iter into a new table file named
// by meta.Number. On success meta holds the file size and key bounds;
// an empty iterator produces no file.
func buildTable(dbname string, opts *Options, tc *tableCache,
	icmp *keys.InternalKeyComparator, iter iterator.Iterator, meta *FileMetaData) error {
	meta.FileSize = 0
	iter.SeekToFirst()
	if !iter.Valid() {
		return iter.Err()
	}

	fname := TableFileName(dbname, meta.Number)
	file, err := opts.Env.NewWritableFile(fname)
	if err != nil {
		return err
	}
	builder := table.NewBuilder(table.Options{
		Comparator:           icmp,
		BlockSize:            opts.BlockSize,
		BlockRestartInterval: opts.BlockRestartInterval,
		Compression:          opts.Compression,
		FilterPolicy:         newInternalFilterPolicy(opts.FilterPolicy),
		BlockCache:           opts.BlockCache,
	}, file)

	meta.Smallest = append([]byte(nil), iter.Key()...)
	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		meta.Largest = append(meta.Largest[:0], key...)
		builder.Add(key, iter.Value())
	}

	err = builder.Finish()
	if err == nil {
		meta.FileSize = builder.FileSize()
		err = file.Sync()
	}
	if err == nil {
		err = file.Close()
		file = nil
	}
	if err == nil {
		err = iter.Err()
	}
	if err == nil {
		// Verify the file is usable before publishing it.
		it := tc.NewIterator(meta.Number, meta.FileSize, nil)
		err = it.Err()
		it.Close()
	}

	if err != nil {
		if file != nil {
			builder.Abandon()
			file.Close()
		}
		opts.Env.RemoveFile(fname)
		return err
	}
	return nil
}
