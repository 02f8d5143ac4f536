package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/nearstore/lsmtree/lsm"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("LSM-Tree Storage Engine Demo")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	dir, err := os.MkdirTemp("", "lsmtree-demo-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	opts := lsm.DefaultOptions()
	db, err := lsm.Open(dir, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("✓ Opened LSM-Tree storage engine at", dir)

	fmt.Println("\n[Writing data]")
	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"user:1003":   `{"name": "Charlie", "age": 35, "city": "LA"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
		"product:102": `{"name": "Mouse", "price": 29.99}`,
	}

	for key, value := range testData {
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			log.Printf("Error writing %s: %v", key, err)
			continue
		}
		fmt.Printf("  PUT %s\n", key)
	}

	fmt.Println("\n[Reading data]")
	for key := range testData {
		value, err := db.Get([]byte(key))
		if err != nil {
			log.Printf("Error reading %s: %v", key, err)
			continue
		}
		fmt.Printf("  GET %s -> %s\n", key, truncate(string(value), 40))
	}

	fmt.Println("\n[Updating data]")
	db.Put([]byte("user:1001"), []byte(`{"name": "Alice Updated", "age": 31, "city": "NYC"}`))
	fmt.Println("  PUT user:1001 (updated)")

	name, err := db.Get([]byte("user:1001"))
	if err == nil {
		fmt.Printf("  GET user:1001 -> %s\n", truncate(string(name), 50))
	}

	fmt.Println("\n[Deleting data]")
	db.Delete([]byte("product:102"))
	fmt.Println("  DELETE product:102")

	if _, err := db.Get([]byte("product:102")); err != nil {
		fmt.Println("  GET product:102 -> key not found, as expected")
	}

	fmt.Println("\n[Range scans]")

	fmt.Println("\n1. Prefix scan (user:*):")
	scanPrefix(db, "user:", "user:~")

	fmt.Println("\n2. Range scan (user:1001 up to, not including, user:1003):")
	scanRange(db, "user:1001", "user:1003")

	fmt.Println("\n3. Scan all products:")
	scanPrefix(db, "product:", "product:~")

	fmt.Println("\n4. Full database scan (sorted order):")
	it, err := db.Scan(nil, nil)
	if err != nil {
		log.Fatal(err)
	}
	allKeys := 0
	var lastKey string
	for it.Valid() {
		if allKeys <= 5 {
			fmt.Printf("   %s\n", it.Key())
			if allKeys == 5 {
				fmt.Println("   ...")
			}
		}
		lastKey = string(it.Key())
		it.Next()
		allKeys++
	}
	it.Close()
	if allKeys > 5 {
		fmt.Printf("   %s (last key)\n", lastKey)
	}
	fmt.Printf("   Total: %d keys in sorted order\n", allKeys)

	fmt.Println("\n[Engine stats]")
	stats := db.Stats()
	fmt.Printf("  SSTables:       %d\n", stats.NumSSTables)
	fmt.Printf("  Disk usage:     %.2f MB\n", float64(stats.TotalDiskSize)/(1024*1024))
	fmt.Printf("  Active memtable: %.2f KB\n", float64(stats.ActiveMemSize)/1024)
	fmt.Printf("  Writes/Reads:   %d/%d\n", stats.WriteCount, stats.ReadCount)
	fmt.Printf("  Flushes/Compactions: %d/%d\n", stats.FlushCount, stats.CompactCount)
}

func scanPrefix(db *lsm.Engine, prefix, endExclusive string) {
	it, err := db.Scan([]byte(prefix), []byte(endExclusive))
	if err != nil {
		log.Printf("scan error: %v", err)
		return
	}
	defer it.Close()
	count := 0
	for it.Valid() {
		if count < 3 {
			fmt.Printf("   %s -> %s\n", it.Key(), truncate(string(it.Value()), 40))
		}
		it.Next()
		count++
	}
	fmt.Printf("   ... found %d total keys\n", count)
}

func scanRange(db *lsm.Engine, start, end string) {
	it, err := db.Scan([]byte(start), []byte(end))
	if err != nil {
		log.Printf("scan error: %v", err)
		return
	}
	defer it.Close()
	for it.Valid() {
		fmt.Printf("   %s -> %s\n", it.Key(), truncate(string(it.Value()), 40))
		it.Next()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
