package gcinfo

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"tinygo.org/x/go-llvm"
)

func mustPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", substr)
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, substr) {
			t.Fatalf("panic %v does not contain %q", r, substr)
		}
	}()
	fn()
}

func TestRecordIdempotence(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("record")
	defer mod.Dispose()

	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)
	fn, allocas := buildTestFunc(ctx, mod, "f", []llvm.Type{managed})

	mi := NewModuleInfo()
	fi := mi.GetOrCreate(fn)

	// Discovered as a GC pointer by type analysis, then as pinned by an
	// explicit pin marker: one record, both flags.
	fi.RecordGCAlloca(allocas[0])
	fi.RecordPinned(allocas[0])
	fi.RecordGCAlloca(allocas[0])

	if fi.NumRecords() != 1 {
		t.Fatalf("NumRecords = %d, want 1", fi.NumRecords())
	}
	rec := fi.Record(allocas[0])
	if !rec.Flags.Has(FlagGCPointer | FlagPinned) {
		t.Errorf("flags = %s, want gc-pointer|pinned", rec.Flags)
	}
	if rec.Flags.IsGCAggregate() {
		t.Errorf("flags = %s, unexpected aggregate flag", rec.Flags)
	}
}

func TestDuplicateOffsetPanics(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("record")
	defer mod.Dispose()

	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)
	fn, allocas := buildTestFunc(ctx, mod, "f", []llvm.Type{managed, managed})

	fi := NewModuleInfo().GetOrCreate(fn)
	fi.RecordGCAlloca(allocas[0])
	fi.RecordPinned(allocas[1])

	fi.SetOffset(allocas[0], -16)
	fi.SetOffset(allocas[0], -16) // same alloca again is fine
	mustPanic(t, "offset -16", func() {
		fi.SetOffset(allocas[1], -16)
	})
}

func TestSpecialAndGCValueConflictPanics(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("record")
	defer mod.Dispose()

	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)
	fn, allocas := buildTestFunc(ctx, mod, "f", []llvm.Type{managed})

	fi := NewModuleInfo().GetOrCreate(fn)
	fi.RecordGCAlloca(allocas[0])
	mustPanic(t, "already recorded as GC value", func() {
		fi.RecordSecurityObject(allocas[0])
	})
}

func TestEscapingLocations(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("record")
	defer mod.Dispose()

	i64 := ctx.Int64Type()
	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)
	gcStruct := llvm.StructType([]llvm.Type{i64, managed}, false)
	fn, allocas := buildTestFunc(ctx, mod, "f", []llvm.Type{managed, gcStruct, managed, i64})

	fi := NewModuleInfo().GetOrCreate(fn)
	fi.RecordGCAlloca(allocas[0])
	fi.RecordGCAlloca(allocas[1])
	fi.RecordGCAlloca(allocas[2])
	fi.RecordStackGuardCookie(allocas[3], 0, 1)

	// Exactly the GC values, in recording order; the cookie is not a GC
	// value and must not escape.
	want := []llvm.Value{allocas[0], allocas[1], allocas[2]}
	if got := fi.EscapingLocations(); !reflect.DeepEqual(got, want) {
		t.Errorf("EscapingLocations = %v, want %v", got, want)
	}
}

func TestRegistryConcurrent(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("record")
	defer mod.Dispose()

	const numFuncs = 8
	fns := make([]llvm.Value, numFuncs)
	for i := range fns {
		fns[i], _ = buildTestFunc(ctx, mod, fmt.Sprintf("f%d", i), nil)
	}

	mi := NewModuleInfo()
	results := make([][]*FuncInfo, 4)
	var wg sync.WaitGroup
	for g := range results {
		g := g
		results[g] = make([]*FuncInfo, numFuncs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, fn := range fns {
				results[g][i] = mi.GetOrCreate(fn)
			}
		}()
	}
	wg.Wait()

	// Every goroutine must have received the same record per function.
	for i := range fns {
		fi := results[0][i]
		for g := 1; g < len(results); g++ {
			if results[g][i] != fi {
				t.Fatalf("function %d has more than one record", i)
			}
		}
		if mi.ByHandle(fi.Handle) != fi {
			t.Errorf("function %d: handle does not resolve to its record", i)
		}
	}
	if got := len(mi.Funcs()); got != numFuncs {
		t.Errorf("registry holds %d records, want %d", got, numFuncs)
	}
}

func TestRegistry(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("record")
	defer mod.Dispose()

	fnA, _ := buildTestFunc(ctx, mod, "a", nil)
	fnB, _ := buildTestFunc(ctx, mod, "b", nil)

	mi := NewModuleInfo()
	a := mi.GetOrCreate(fnA)
	b := mi.GetOrCreate(fnB)
	if a == b {
		t.Fatal("distinct functions share a record")
	}
	if again := mi.GetOrCreate(fnA); again != a {
		t.Error("GetOrCreate did not return the existing record")
	}
	if mi.Lookup(fnB) != b {
		t.Error("Lookup did not find the record")
	}
	if mi.ByHandle(a.Handle) != a || mi.ByHandle(b.Handle) != b {
		t.Error("handles do not resolve to their records")
	}
	if mi.ByHandle(FuncHandle(99)) != nil {
		t.Error("out-of-range handle resolved")
	}
	if funcs := mi.Funcs(); len(funcs) != 2 || funcs[0] != a || funcs[1] != b {
		t.Errorf("Funcs() = %v, want creation order [a b]", funcs)
	}
}
