// tlsregistry.go

package erpc

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// TlsRegistry hands out small dense thread identifiers, one per
// goroutine. An Rpc records its creator's tiny thread ID at
// construction and compares it on every datapath entry.
type TlsRegistry struct {
	mu   sync.Mutex
	next int
	tids map[uint64]int
}

func newTlsRegistry() *TlsRegistry {
	return &TlsRegistry{tids: make(map[uint64]int)}
}

// GetTinyTID returns the calling goroutine's tiny thread ID, assigning
// one on first use.
func (r *TlsRegistry) GetTinyTID() int {
	gid := curGoroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if tid, ok := r.tids[gid]; ok {
		return tid
	}
	tid := r.next
	r.next++
	r.tids[gid] = tid
	return tid
}

var goroutinePrefix = []byte("goroutine ")

// curGoroutineID extracts the runtime's goroutine ID from the stack
// header. There is no exported accessor for it.
func curGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("curGoroutineID(): cannot parse runtime.Stack header")
	}
	return id
}
