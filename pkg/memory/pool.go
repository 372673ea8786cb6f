/*
Copyright 2024 The Flowdag Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package memory

import (
	"sync"

	"go.uber.org/atomic"
)

// Pool hands out fixed-size blocks up to a total budget and takes them
// back. It is safe for concurrent use; the blocks themselves are not.
type Pool struct {
	blockSize int
	typ       BlockType
	mu        sync.Mutex
	free      []*Block
	created   int
	maxBlocks int
	inUse     *atomic.Int64
}

// NewPool creates a pool that can hand out at most totalBytes/blockSize
// blocks of blockSize bytes each.
func NewPool(typ BlockType, blockSize int, totalBytes int64) *Pool {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Pool{
		blockSize: blockSize,
		typ:       typ,
		maxBlocks: int(totalBytes / int64(blockSize)),
		inUse:     atomic.NewInt64(0),
	}
}

// BlockSize returns the size of the blocks this pool hands out.
func (p *Pool) BlockSize() int { return p.blockSize }

// Acquire returns a free block, or nil when the budget is exhausted.
func (p *Pool) Acquire() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse.Inc()
		return b
	}
	if p.created >= p.maxBlocks {
		return nil
	}
	p.created++
	p.inUse.Inc()
	return &Block{buf: make([]byte, p.blockSize), typ: p.typ, pool: p}
}

// Release returns a block to the free list.
func (p *Pool) Release(b *Block) {
	if b == nil || b.pool != p {
		return
	}
	b.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b)
	p.inUse.Dec()
}

// InUse returns the number of blocks currently held by stores.
func (p *Pool) InUse() int64 { return p.inUse.Load() }
