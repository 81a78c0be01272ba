package gcinfo

import (
	"sync"

	"tinygo.org/x/go-llvm"
)

// FuncHandle identifies a function record within a ModuleInfo. Handles are
// assigned at record creation and are stable for the registry's lifetime,
// so they can be used as keys without holding on to IR values.
type FuncHandle int

// ModuleInfo owns one FuncInfo per function compiled in the current
// invocation. Records are created by the collection pass and live until the
// registry is dropped; there is no removal.
//
// GetOrCreate is safe to call from concurrent per-function collection
// passes. Each FuncInfo itself is single-writer: only the pass compiling
// that function may mutate it.
type ModuleInfo struct {
	mu    sync.Mutex
	funcs []*FuncInfo
	byFn  map[llvm.Value]FuncHandle
}

// NewModuleInfo returns an empty registry for one compilation invocation.
func NewModuleInfo() *ModuleInfo {
	return &ModuleInfo{byFn: make(map[llvm.Value]FuncHandle)}
}

// GetOrCreate returns the record for fn, creating an empty one if needed.
func (mi *ModuleInfo) GetOrCreate(fn llvm.Value) *FuncInfo {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if h, ok := mi.byFn[fn]; ok {
		return mi.funcs[h]
	}
	h := FuncHandle(len(mi.funcs))
	fi := newFuncInfo(fn, h)
	mi.funcs = append(mi.funcs, fi)
	mi.byFn[fn] = h
	return fi
}

// Lookup returns the record for fn, or nil if none exists.
func (mi *ModuleInfo) Lookup(fn llvm.Value) *FuncInfo {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if h, ok := mi.byFn[fn]; ok {
		return mi.funcs[h]
	}
	return nil
}

// ByHandle returns the record with the given handle, or nil.
func (mi *ModuleInfo) ByHandle(h FuncHandle) *FuncInfo {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if h < 0 || int(h) >= len(mi.funcs) {
		return nil
	}
	return mi.funcs[h]
}

// Funcs returns all records in creation order.
func (mi *ModuleInfo) Funcs() []*FuncInfo {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	funcs := make([]*FuncInfo, len(mi.funcs))
	copy(funcs, mi.funcs)
	return funcs
}
