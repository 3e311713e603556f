package env

import (
	"strings"
	"sync"
)

// JitCompileList holds operator types that must always be JIT compiled.
type JitCompileList struct {
	mu  sync.RWMutex
	ops map[string]struct{}
}

func NewJitCompileList() *JitCompileList {
	return &JitCompileList{ops: make(map[string]struct{})}
}

// RegisterJitlist adds every name in a comma separated list.
func (l *JitCompileList) RegisterJitlist(csv string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range strings.Split(csv, ",") {
		if op = strings.TrimSpace(op); op != "" {
			l.ops[op] = struct{}{}
		}
	}
}

func (l *JitCompileList) Inlist(op string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ops[op]
	return ok
}
