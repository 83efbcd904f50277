package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	entryBucketName    = "entries"
	categoryBucketName = "categories"
	ruleBucketName     = "rules"
)

// DB defines the interface for ledger persistence
type DB interface {
	// InsertEntries stores entries whose ID is not present yet and returns how many were added
	InsertEntries(entries []*Entry) (int, error)

	// SaveEntry creates or replaces an entry
	SaveEntry(entry *Entry) error

	// SaveEntries creates or replaces entries in one transaction; either all are written or none
	SaveEntries(entries []*Entry) error

	// GetEntry retrieves an entry by ID
	GetEntry(id string) (*Entry, error)

	// ListEntries returns all entries
	ListEntries() ([]*Entry, error)

	// ListCategories returns category names in key order
	ListCategories() ([]string, error)

	// GetCategory returns the stored spelling of a category, ignoring case
	GetCategory(name string) (string, error)

	// SaveCategory adds a category
	SaveCategory(name string) error

	// DeleteCategory removes a category
	DeleteCategory(name string) error

	// SaveRule creates or replaces a rule
	SaveRule(rule *Rule) error

	// ListRules returns all rules
	ListRules() ([]*Rule, error)

	// DeleteRule removes a rule
	DeleteRule(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens the ledger and seeds DefaultCategories on first use
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entryBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(ruleBucketName)); err != nil {
			return err
		}
		if tx.Bucket([]byte(categoryBucketName)) != nil {
			return nil
		}
		categories, err := tx.CreateBucket([]byte(categoryBucketName))
		if err != nil {
			return err
		}
		for _, name := range DefaultCategories {
			if err := categories.Put(categoryKey(name), []byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// categoryKey folds case so "rent" and "Rent" are the same category
func categoryKey(name string) []byte {
	return []byte(strings.ToLower(name))
}

// InsertEntries stores new entries in one transaction, skipping known IDs
func (b *BoltDB) InsertEntries(entries []*Entry) (int, error) {
	added := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		for _, entry := range entries {
			if bucket.Get([]byte(entry.ID)) != nil {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshaling entry: %w", err)
			}
			if err := bucket.Put([]byte(entry.ID), data); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// SaveEntry saves an entry to the database
func (b *BoltDB) SaveEntry(entry *Entry) error {
	return b.SaveEntries([]*Entry{entry})
}

// SaveEntries saves entries in a single transaction
func (b *BoltDB) SaveEntries(entries []*Entry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshaling entry: %w", err)
			}
			if err := bucket.Put([]byte(entry.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEntry retrieves an entry by ID
func (b *BoltDB) GetEntry(id string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries returns all entries
func (b *BoltDB) ListEntries() ([]*Entry, error) {
	entries := make([]*Entry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entryBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListCategories returns all category names
func (b *BoltDB) ListCategories() ([]string, error) {
	categories := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(categoryBucketName)).ForEach(func(k, v []byte) error {
			categories = append(categories, string(v))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return categories, nil
}

// GetCategory looks a category up by its case-folded key
func (b *BoltDB) GetCategory(name string) (string, error) {
	var stored string
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(categoryBucketName)).Get(categoryKey(name))
		if v == nil {
			return fmt.Errorf("category %s: %w", name, ErrNotFound)
		}
		stored = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return stored, nil
}

// SaveCategory adds a category
func (b *BoltDB) SaveCategory(name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(categoryBucketName))
		if bucket.Get(categoryKey(name)) != nil {
			return fmt.Errorf("category %s: %w", name, ErrExists)
		}
		return bucket.Put(categoryKey(name), []byte(name))
	})
}

// DeleteCategory removes a category
func (b *BoltDB) DeleteCategory(name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(categoryBucketName))
		if bucket.Get(categoryKey(name)) == nil {
			return fmt.Errorf("category %s: %w", name, ErrNotFound)
		}
		return bucket.Delete(categoryKey(name))
	})
}

// SaveRule saves a rule to the database
func (b *BoltDB) SaveRule(rule *Rule) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ruleBucketName))
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("marshaling rule: %w", err)
		}
		return bucket.Put([]byte(rule.ID), data)
	})
}

// ListRules returns all rules
func (b *BoltDB) ListRules() ([]*Rule, error) {
	rules := make([]*Rule, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ruleBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var rule Rule
			if err := json.Unmarshal(v, &rule); err != nil {
				return fmt.Errorf("unmarshaling rule: %w", err)
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// DeleteRule removes a rule from the database
func (b *BoltDB) DeleteRule(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ruleBucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
