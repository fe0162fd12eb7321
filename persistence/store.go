// Package persistence keeps an audit log of decided blocks.
// 결정된 블록과 노드 상태 스냅샷을 저장함. 합의 상태 복구에는 쓰지 않음
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// ErrNotFound is returned when an instance has no stored block.
var ErrNotFound = errors.New("not found")

// Store는 결정된 블록을 저장하는 인터페이스
type Store interface {
	// 블록 관련
	SaveBlock(block *types.Block) error
	LoadBlock(instance int) (*types.Block, error)
	LoadBlocks(from, to int) ([]*types.Block, error)
	GetLatestInstance() (int, error)

	// 상태 스냅샷
	SaveState(state *NodeState) error
	LoadState() (*NodeState, error)

	// 닫기
	Close() error
}

// NodeState is a point-in-time summary written after each applied block.
type NodeState struct {
	NodeID      string             `json:"node_id"`
	LastDecided int                `json:"last_decided"`
	Balances    map[string]float64 `json:"balances"`
	SavedAt     time.Time          `json:"saved_at"`
}

// ================================================================================
//                          File-based Store 구현
// ================================================================================

// FileStore writes one JSON file per decided block.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a new file-based store under baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	dirs := []string{
		baseDir,
		filepath.Join(baseDir, "blocks"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FileStore{baseDir: baseDir}, nil
}

func (fs *FileStore) blockPath(instance int) string {
	return filepath.Join(fs.baseDir, "blocks", fmt.Sprintf("block_%d.json", instance))
}

// SaveBlock writes block under its consensus instance.
func (fs *FileStore) SaveBlock(block *types.Block) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}
	if block.ConsensusInstance < 1 {
		return fmt.Errorf("block has no consensus instance")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(block, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	// 임시 파일에 쓴 뒤 rename 해서 반쯤 쓰인 파일이 보이지 않게 함
	path := fs.blockPath(block.ConsensusInstance)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write block file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename block file: %w", err)
	}
	return nil
}

// LoadBlock reads the block of instance, or ErrNotFound.
func (fs *FileStore) LoadBlock(instance int) (*types.Block, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.blockPath(instance))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read block file: %w", err)
	}

	var block types.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &block, nil
}

// LoadBlocks returns the stored blocks in [from, to], skipping gaps.
func (fs *FileStore) LoadBlocks(from, to int) ([]*types.Block, error) {
	var blocks []*types.Block
	for i := from; i <= to; i++ {
		block, err := fs.LoadBlock(i)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// GetLatestInstance returns the highest stored instance, 0 when empty.
func (fs *FileStore) GetLatestInstance() (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "blocks"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read blocks directory: %w", err)
	}

	latest := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var instance int
		if _, err := fmt.Sscanf(entry.Name(), "block_%d.json", &instance); err == nil && instance > latest {
			latest = instance
		}
	}
	return latest, nil
}

// SaveState writes the node state snapshot.
func (fs *FileStore) SaveState(state *NodeState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(fs.baseDir, "state.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// LoadState reads the node state snapshot, or ErrNotFound.
func (fs *FileStore) LoadState() (*NodeState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(fs.baseDir, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state NodeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// Close closes the store.
func (fs *FileStore) Close() error {
	return nil
}

// ================================================================================
//                          Memory Store (테스트용)
// ================================================================================

// MemoryStore keeps blocks in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[int]*types.Block
	state  *NodeState
}

// NewMemoryStore creates a new memory-based store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[int]*types.Block)}
}

// SaveBlock saves a copy of block.
func (ms *MemoryStore) SaveBlock(block *types.Block) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.blocks[block.ConsensusInstance] = block.Clone()
	return nil
}

// LoadBlock returns the block of instance, or ErrNotFound.
func (ms *MemoryStore) LoadBlock(instance int) (*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	block, ok := ms.blocks[instance]
	if !ok {
		return nil, ErrNotFound
	}
	return block.Clone(), nil
}

// LoadBlocks returns the stored blocks in [from, to].
func (ms *MemoryStore) LoadBlocks(from, to int) ([]*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var blocks []*types.Block
	for i := from; i <= to; i++ {
		if block, ok := ms.blocks[i]; ok {
			blocks = append(blocks, block.Clone())
		}
	}
	return blocks, nil
}

// GetLatestInstance returns the highest stored instance.
func (ms *MemoryStore) GetLatestInstance() (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	latest := 0
	for i := range ms.blocks {
		if i > latest {
			latest = i
		}
	}
	return latest, nil
}

// SaveState saves the node state snapshot.
func (ms *MemoryStore) SaveState(state *NodeState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state = state
	return nil
}

// LoadState returns the node state snapshot, or ErrNotFound.
func (ms *MemoryStore) LoadState() (*NodeState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.state == nil {
		return nil, ErrNotFound
	}
	return ms.state, nil
}

// Close closes the store.
func (ms *MemoryStore) Close() error {
	return nil
}
