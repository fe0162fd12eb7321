package persistence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/types"
)

var (
	blockPrefix = []byte("b/")
	stateKey    = []byte("s/state")
)

// BadgerStore keeps decided blocks in a badger database. Block keys are the
// prefix followed by the big-endian instance, so iteration order is instance
// order.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database in dir. An empty dir opens
// an in-memory database.
func NewBadgerStore(dir string, logger hclog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger == nil {
		opts = opts.WithLoggingLevel(badger.ERROR)
	} else {
		opts = opts.WithLogger(badgerLogger{logger})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func blockKey(instance int) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], uint64(instance))
	return key
}

func instanceFromKey(key []byte) int {
	return int(binary.BigEndian.Uint64(key[len(blockPrefix):]))
}

// SaveBlock stores block under its consensus instance.
func (bs *BadgerStore) SaveBlock(block *types.Block) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}
	if block.ConsensusInstance < 1 {
		return fmt.Errorf("block has no consensus instance")
	}
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(block.ConsensusInstance), data)
	})
}

// LoadBlock returns the block of instance, or ErrNotFound.
func (bs *BadgerStore) LoadBlock(instance int) (*types.Block, error) {
	var block types.Block
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(instance))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &block)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load block %d: %w", instance, err)
	}
	return &block, nil
}

// LoadBlocks returns the stored blocks in [from, to] in instance order.
func (bs *BadgerStore) LoadBlocks(from, to int) ([]*types.Block, error) {
	var blocks []*types.Block
	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: blockPrefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()

		for it.Seek(blockKey(from)); it.ValidForPrefix(blockPrefix); it.Next() {
			item := it.Item()
			if instanceFromKey(item.Key()) > to {
				break
			}
			var block types.Block
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &block)
			}); err != nil {
				return err
			}
			blocks = append(blocks, &block)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}
	return blocks, nil
}

// GetLatestInstance returns the highest stored instance, 0 when empty.
func (bs *BadgerStore) GetLatestInstance() (int, error) {
	latest := 0
	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: blockPrefix, Reverse: true})
		defer it.Close()

		// 역방향 반복은 접두사 다음 키에서 시작해야 마지막 항목을 찾음
		seek := append(append([]byte{}, blockPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(blockPrefix) {
			latest = instanceFromKey(it.Item().Key())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read latest instance: %w", err)
	}
	return latest, nil
}

// SaveState stores the node state snapshot.
func (bs *BadgerStore) SaveState(state *NodeState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, data)
	})
}

// LoadState returns the node state snapshot, or ErrNotFound.
func (bs *BadgerStore) LoadState() (*NodeState, error) {
	var state NodeState
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return &state, nil
}

// Close closes the database.
func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

// badgerLogger forwards badger's printf-style logging to hclog.
type badgerLogger struct {
	hclog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.Logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.Logger.Trace(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
