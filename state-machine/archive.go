package state_machine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

var (
	transactionsBucket = []byte("transactions")
	balancesBucket     = []byte("balances")
)

// Snapshot is what a replica exports on shutdown
type Snapshot struct {
	Transactions []Transaction
	Balances     map[command.PeerID]uint64
}

// WriteArchive replaces the content of the bbolt file at path with the snapshot.
/*
	buckets layout:
	transactions: [8 bytes seq, big endian] -> JSON encoded Transaction
	balances:     [4 bytes client id, big endian] -> [8 bytes balance, big endian]
*/
func WriteArchive(path string, snapshot Snapshot) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create archive directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("cannot open archive %s: %w", path, err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{transactionsBucket, balancesBucket} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		transactions, err := tx.CreateBucket(transactionsBucket)
		if err != nil {
			return err
		}

		for i, entry := range snapshot.Transactions {
			value, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("cannot encode [%d] transaction: %w", i, err)
			}

			var key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			if err = transactions.Put(key, value); err != nil {
				return err
			}
		}

		balances, err := tx.CreateBucket(balancesBucket)
		if err != nil {
			return err
		}

		for client, balance := range snapshot.Balances {
			var key = make([]byte, 4)
			binary.BigEndian.PutUint32(key, uint32(client))

			var value = make([]byte, 8)
			binary.BigEndian.PutUint64(value, balance)

			if err = balances.Put(key, value); err != nil {
				return err
			}
		}

		return nil
	})
}

// ReadArchive loads a snapshot written by WriteArchive.
func ReadArchive(path string) (Snapshot, error) {
	var snapshot = Snapshot{Balances: make(map[command.PeerID]uint64)}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return snapshot, fmt.Errorf("cannot open archive %s: %w", path, err)
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		var transactions = tx.Bucket(transactionsBucket)
		if transactions == nil {
			return fmt.Errorf("bucket %s missing", transactionsBucket)
		}

		if err := transactions.ForEach(func(_, value []byte) error {
			var entry Transaction
			if err := json.Unmarshal(value, &entry); err != nil {
				return err
			}
			snapshot.Transactions = append(snapshot.Transactions, entry)
			return nil
		}); err != nil {
			return err
		}

		var balances = tx.Bucket(balancesBucket)
		if balances == nil {
			return fmt.Errorf("bucket %s missing", balancesBucket)
		}

		return balances.ForEach(func(key, value []byte) error {
			if len(key) != 4 || len(value) != 8 {
				return fmt.Errorf("malformed balance record: key %d bytes, value %d bytes", len(key), len(value))
			}
			snapshot.Balances[command.PeerID(binary.BigEndian.Uint32(key))] = binary.BigEndian.Uint64(value)
			return nil
		})
	})

	return snapshot, err
}
