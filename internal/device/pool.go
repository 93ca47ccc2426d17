package device

import "sync"

// BufferPool recycles float32 scratch buffers for tile workers. Buffers are
// bucketed by capacity so a worker asking for a BLOCK_M x HEAD_DIM tile gets
// one of the same class back.
type BufferPool struct {
	mu      sync.Mutex
	buckets map[int]*sync.Pool
}

// Pool is the process-wide scratch pool shared by all kernels.
var Pool = NewBufferPool()

func NewBufferPool() *BufferPool {
	return &BufferPool{buckets: make(map[int]*sync.Pool)}
}

func bucketSize(n int) int {
	size := 64
	for size < n {
		size <<= 1
	}
	return size
}

func (p *BufferPool) bucket(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[size]
	if !ok {
		b = &sync.Pool{}
		p.buckets[size] = b
	}
	return b
}

// Get returns a zeroed buffer of length n.
func (p *BufferPool) Get(n int) []float32 {
	size := bucketSize(n)
	if v := p.bucket(size).Get(); v != nil {
		buf := (*v.(*[]float32))[:n]
		for i := range buf {
			buf[i] = 0
		}
		poolHits.Inc()
		return buf
	}
	poolMisses.Inc()
	poolBytesAllocated.Add(float64(size * 4))
	return make([]float32, n, size)
}

// Put returns a buffer obtained from Get. Foreign buffers are dropped.
func (p *BufferPool) Put(buf []float32) {
	c := cap(buf)
	if c < 64 || c&(c-1) != 0 {
		return
	}
	buf = buf[:c]
	p.bucket(c).Put(&buf)
}
