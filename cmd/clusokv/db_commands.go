package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/dd0wney/cluso-kv/pkg/config"
	"github.com/dd0wney/cluso-kv/pkg/lsm"
)

// openFlags is the shared --db/--config pair.
type openFlags struct {
	db     *string
	config *string
}

func addOpenFlags(fs *flag.FlagSet) *openFlags {
	return &openFlags{
		db:     fs.String("db", "", "Database directory"),
		config: fs.String("config", "", "YAML configuration file"),
	}
}

// resolve loads options from --config when given, else builds defaults
// for --db.
func (of *openFlags) resolve() (string, *lsm.Options, error) {
	if *of.config != "" {
		cfg, err := config.Load(*of.config)
		if err != nil {
			return "", nil, err
		}
		return cfg.Path, cfg.Options(), nil
	}
	if *of.db == "" {
		return "", nil, fmt.Errorf("either --db or --config is required")
	}
	return *of.db, config.Default(*of.db).Options(), nil
}

func (of *openFlags) open() (*lsm.DB, error) {
	path, opts, err := of.resolve()
	if err != nil {
		return nil, err
	}
	return lsm.Open(path, opts)
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	of := addOpenFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: clusokv get --db <dir> <key>")
	}

	db, err := of.open()
	if err != nil {
		return err
	}
	defer db.Close()

	value, err := db.Get(nil, []byte(fs.Arg(0)))
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", value)
	return nil
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	of := addOpenFlags(fs)
	sync := fs.Bool("sync", false, "Sync the log before returning")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: clusokv put --db <dir> <key> <value>")
	}

	db, err := of.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Put(&lsm.WriteOptions{Sync: *sync}, []byte(fs.Arg(0)), []byte(fs.Arg(1)))
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	of := addOpenFlags(fs)
	sync := fs.Bool("sync", false, "Sync the log before returning")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: clusokv delete --db <dir> <key>")
	}

	db, err := of.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Delete(&lsm.WriteOptions{Sync: *sync}, []byte(fs.Arg(0)))
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	of := addOpenFlags(fs)
	start := fs.String("start", "", "First key to include")
	limit := fs.String("limit", "", "First key to exclude (empty scans to the end)")
	max := fs.Int("max", 0, "Stop after this many entries (0 is unlimited)")
	fs.Parse(args)

	db, err := of.open()
	if err != nil {
		return err
	}
	defer db.Close()

	it := db.NewIterator(nil)
	defer it.Close()

	n := 0
	if *start != "" {
		it.Seek([]byte(*start))
	} else {
		it.SeekToFirst()
	}
	for ; it.Valid(); it.Next() {
		if *limit != "" && string(it.Key()) >= *limit {
			break
		}
		fmt.Printf("%s => %s\n", quoteKey(it.Key()), quoteKey(it.Value()))
		n++
		if *max > 0 && n >= *max {
			break
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Printf("%d entries\n", n)
	return nil
}

func runCompact(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	of := addOpenFlags(fs)
	start := fs.String("start", "", "First key of the range (empty means the whole keyspace)")
	limit := fs.String("limit", "", "Last key of the range")
	fs.Parse(args)

	db, err := of.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var begin, end []byte
	if *start != "" {
		begin = []byte(*start)
	}
	if *limit != "" {
		end = []byte(*limit)
	}
	db.CompactRange(begin, end)

	if stats, ok := db.GetProperty("clusokv.stats"); ok {
		fmt.Print(stats)
	}
	return nil
}

func runProperties(args []string) error {
	fs := flag.NewFlagSet("properties", flag.ExitOnError)
	of := addOpenFlags(fs)
	fs.Parse(args)

	db, err := of.open()
	if err != nil {
		return err
	}
	defer db.Close()

	for _, name := range []string{"clusokv.stats", "clusokv.sstables", "clusokv.approximate-memory-usage"} {
		if value, ok := db.GetProperty(name); ok {
			fmt.Printf("-- %s --\n%s\n", name, value)
		}
	}
	for level := 0; level < lsm.NumLevels; level++ {
		name := "clusokv.num-files-at-level" + strconv.Itoa(level)
		if value, ok := db.GetProperty(name); ok {
			fmt.Printf("%s: %s\n", name, value)
		}
	}
	return nil
}

func runDestroy(args []string) error {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	db := fs.String("db", "", "Database directory")
	force := fs.Bool("force", false, "Do not ask for confirmation")
	fs.Parse(args)
	if *db == "" {
		return fmt.Errorf("usage: clusokv destroy --db <dir> [--force]")
	}

	if !*force {
		fmt.Printf("Destroy %s and all of its data? [y/N] ", *db)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}
	return lsm.DestroyDB(*db, nil)
}

// quoteKey renders bytes for terminal output, escaping what is not
// printable ASCII.
func quoteKey(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return strconv.Quote(string(b))
		}
	}
	return string(b)
}
