package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/regionmesh/regiond/internal/storage"
	bolt "go.etcd.io/bbolt"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <oplog-db-path> [seq]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool flips one byte in the body of a stored operation\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	targetSeq := uint64(0)
	if len(os.Args) == 3 {
		seq, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid seq: %v\n", err)
			os.Exit(1)
		}
		targetSeq = seq
	}

	fmt.Printf("Opening BoltDB: %s\n", dbPath)
	fmt.Printf("Target seq: %d\n", targetSeq)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	bucketName := storage.OperationsBucket

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry storage.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.SeqNum != targetSeq || len(entry.Raw) == 0 {
				continue
			}

			fmt.Printf("Found operation %s/%s seq=%d\n", entry.Author[:16], entry.LogID, entry.SeqNum)
			fmt.Printf("  Hash: %s...\n", entry.Hash[:32])

			// The body is encoded last, so the final byte belongs to it.
			entry.Raw[len(entry.Raw)-1] ^= 0xff

			corrupted, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("failed to marshal corrupted entry: %w", err)
			}
			key := make([]byte, len(k))
			copy(key, k)
			if err := bucket.Put(key, corrupted); err != nil {
				return fmt.Errorf("failed to save corrupted entry: %w", err)
			}

			fmt.Println("✓ Successfully corrupted operation body")
			return nil
		}

		return fmt.Errorf("no operation found with seq %d", targetSeq)
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Operation log tampering completed")
}
