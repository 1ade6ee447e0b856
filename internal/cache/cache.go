package cache

import (
	"container/list"
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-egnn/internal/structure"
)

// PredictionCache stores per-structure model outputs.
type PredictionCache interface {
	// Get retrieves a prediction from the cache.
	Get(key uint64) ([]float32, bool)
	// Put stores a prediction in the cache.
	Put(key uint64, values []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// LRUCache is a bounded in-memory PredictionCache. A capacity of 0 means
// unbounded.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[uint64]*list.Element
}

type entry struct {
	key    uint64
	values []float32
}

func NewLRUCache(capacity int) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[uint64]*list.Element),
	}
}

func (c *LRUCache) Get(key uint64) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	// Return copy to avoid modification of cached value
	v := el.Value.(*entry).values
	dst := make([]float32, len(v))
	copy(dst, v)
	return dst, true
}

func (c *LRUCache) Put(key uint64, values []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dst := make([]float32, len(values))
	copy(dst, values)

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).values = dst
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&entry{key: key, values: dst})

	if c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
		evictions.Inc()
	}
}

func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Fingerprint hashes everything that influences a structure's prediction,
// salted with the model identity. The structure ID is not part of the key.
func Fingerprint(modelID string, s *structure.Structure) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(modelID)

	var buf [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
		_, _ = d.Write(buf[:])
	}
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	putVec := func(v structure.Vec3) {
		putFloat(v[0])
		putFloat(v[1])
		putFloat(v[2])
	}

	putInt(s.NumAtoms())
	for i, p := range s.Positions {
		putInt(s.AtomicNumbers[i])
		putVec(p)
	}
	putInt(s.NumEdges())
	for k := range s.EdgeIndex[0] {
		putInt(s.EdgeIndex[0][k])
		putInt(s.EdgeIndex[1][k])
		if s.EdgeShift != nil {
			putVec(s.EdgeShift[k])
		} else {
			putVec(structure.Vec3{})
		}
	}
	if s.Lattice != nil {
		for _, row := range s.Lattice {
			putVec(row)
		}
	} else {
		putVec(structure.Vec3{})
		putVec(structure.Vec3{})
		putVec(structure.Vec3{})
	}
	putInt(len(s.EdgeAttr))
	for _, row := range s.EdgeAttr {
		putInt(len(row))
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			_, _ = d.Write(buf[:4])
		}
	}
	return d.Sum64()
}
