// Command benchmark-lsm measures raw engine throughput: sequential
// and batched writes, random reads, range scans, and deletions.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/batch"
	"github.com/dd0wney/cluso-kv/pkg/filter"
	"github.com/dd0wney/cluso-kv/pkg/lsm"
)

func main() {
	writes := flag.Int("writes", 100000, "Number of writes")
	reads := flag.Int("reads", 10000, "Number of reads")
	valueSize := flag.Int("value-size", 1024, "Value size in bytes")
	batchSize := flag.Int("batch-size", 100, "Entries per write batch in the batched phase")
	sync := flag.Bool("sync", false, "Sync every write")
	dir := flag.String("dir", "./data/benchmark-lsm", "Database directory")
	flag.Parse()

	fmt.Printf("cluso-kv storage benchmark\n")
	fmt.Printf("==========================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Writes: %d\n", *writes)
	fmt.Printf("  Reads: %d\n", *reads)
	fmt.Printf("  Value Size: %d bytes\n", *valueSize)
	fmt.Printf("  Batch Size: %d\n", *batchSize)
	fmt.Printf("  Sync: %v\n\n", *sync)

	os.RemoveAll(*dir)

	db, err := lsm.Open(*dir, &lsm.Options{
		CreateIfMissing: true,
		FilterPolicy:    filter.NewBloomPolicy(10),
	})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	wo := &lsm.WriteOptions{Sync: *sync}
	value := make([]byte, *valueSize)
	rand.Read(value)

	key := func(i int) []byte {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		return k
	}

	// Sequential writes.
	fmt.Printf("Benchmark 1: Sequential Writes\n")
	start := time.Now()
	for i := 0; i < *writes; i++ {
		if err := db.Put(wo, key(i), value); err != nil {
			log.Fatalf("Failed to write: %v", err)
		}
	}
	report("writes", *writes, time.Since(start))
	fmt.Printf("  Data written: %.2f MB\n", float64(*writes**valueSize)/(1024*1024))

	// Batched writes.
	fmt.Printf("\nBenchmark 2: Batched Writes\n")
	start = time.Now()
	b := batch.New()
	for i := 0; i < *writes; i++ {
		b.Put(key(*writes+i), value)
		if b.Count() >= uint32(*batchSize) {
			if err := db.Write(wo, b); err != nil {
				log.Fatalf("Failed to write batch: %v", err)
			}
			b.Clear()
		}
	}
	if b.Count() > 0 {
		if err := db.Write(wo, b); err != nil {
			log.Fatalf("Failed to write batch: %v", err)
		}
	}
	report("batched writes", *writes, time.Since(start))

	// Random reads.
	fmt.Printf("\nBenchmark 3: Random Reads\n")
	start = time.Now()
	found := 0
	for i := 0; i < *reads; i++ {
		if _, err := db.Get(nil, key(rand.Intn(*writes))); err == nil {
			found++
		} else if err != lsm.ErrNotFound {
			log.Fatalf("Failed to read: %v", err)
		}
	}
	report("reads", *reads, time.Since(start))
	fmt.Printf("  Found: %d/%d (%.1f%%)\n", found, *reads, float64(found)*100/float64(*reads))

	// Range scans.
	fmt.Printf("\nBenchmark 4: Range Scans\n")
	scanCount := 100
	scanSize := 1000
	start = time.Now()
	totalResults := 0
	for i := 0; i < scanCount; i++ {
		startIdx := rand.Intn(*writes - scanSize)
		it := db.NewIterator(nil)
		n := 0
		for it.Seek(key(startIdx)); it.Valid() && n < scanSize; it.Next() {
			n++
		}
		if err := it.Err(); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		it.Close()
		totalResults += n
	}
	duration := time.Since(start)
	fmt.Printf("  Completed %d scans in %v\n", scanCount, duration)
	fmt.Printf("  Average results per scan: %d\n", totalResults/scanCount)
	fmt.Printf("  Throughput: %.0f scans/sec\n", float64(scanCount)/duration.Seconds())

	// Random deletions.
	fmt.Printf("\nBenchmark 5: Random Deletions\n")
	deleteCount := *writes / 20
	start = time.Now()
	for i := 0; i < deleteCount; i++ {
		if err := db.Delete(wo, key(rand.Intn(*writes))); err != nil {
			log.Fatalf("Failed to delete: %v", err)
		}
	}
	report("deletions", deleteCount, time.Since(start))

	// Compact everything and report final shape.
	fmt.Printf("\nCompacting...\n")
	db.CompactRange(nil, nil)

	fmt.Printf("\nFinal engine statistics\n")
	fmt.Printf("=======================\n")
	if stats, ok := db.GetProperty("clusokv.stats"); ok {
		fmt.Print(stats)
	}

	fmt.Printf("\nBenchmark complete.\n")
}

func report(what string, n int, d time.Duration) {
	fmt.Printf("  Completed %d %s in %v\n", n, what, d)
	fmt.Printf("  Average: %dus per op\n", d.Microseconds()/int64(n))
	fmt.Printf("  Throughput: %.0f ops/sec\n", float64(n)/d.Seconds())
}
