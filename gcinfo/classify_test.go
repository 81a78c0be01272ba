package gcinfo

import (
	"reflect"
	"testing"

	"tinygo.org/x/go-llvm"
)

const testDataLayout = "e-p:64:64-p1:64:64-i64:64-n32:64-S128"

// buildTestFunc creates a void function with one alloca per given type in
// its entry block, returning the function and the allocas in order.
func buildTestFunc(ctx llvm.Context, mod llvm.Module, name string, allocTypes []llvm.Type) (llvm.Value, []llvm.Value) {
	fnType := llvm.FunctionType(ctx.VoidType(), nil, false)
	fn := llvm.AddFunction(mod, name, fnType)
	entry := ctx.AddBasicBlock(fn, "entry")

	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)

	allocas := make([]llvm.Value, len(allocTypes))
	for i, t := range allocTypes {
		allocas[i] = builder.CreateAlloca(t, "a")
	}
	builder.CreateRetVoid()
	return fn, allocas
}

func TestClassifyTypes(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()

	i64 := ctx.Int64Type()
	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)
	unmanaged := llvm.PointerType(ctx.Int8Type(), UnmanagedAddrSpace)
	gcStruct := llvm.StructType([]llvm.Type{i64, managed}, false)
	plainStruct := llvm.StructType([]llvm.Type{i64, unmanaged}, false)
	nestedStruct := llvm.StructType([]llvm.Type{plainStruct, gcStruct}, false)
	gcArray := llvm.ArrayType(managed, 3)

	cases := []struct {
		name                 string
		typ                  llvm.Type
		gcPointer, aggregate bool
		unmanagedPtr         bool
	}{
		{"i64", i64, false, false, false},
		{"managed pointer", managed, true, false, false},
		{"unmanaged pointer", unmanaged, false, false, true},
		{"gc struct", gcStruct, false, true, false},
		{"plain struct", plainStruct, false, false, false},
		{"nested gc struct", nestedStruct, false, true, false},
		{"gc array", gcArray, false, true, false},
	}
	for _, c := range cases {
		if got := IsGCPointer(c.typ); got != c.gcPointer {
			t.Errorf("%s: IsGCPointer = %v, want %v", c.name, got, c.gcPointer)
		}
		if got := IsGCAggregate(c.typ); got != c.aggregate {
			t.Errorf("%s: IsGCAggregate = %v, want %v", c.name, got, c.aggregate)
		}
		if got := IsGCType(c.typ); got != (c.gcPointer || c.aggregate) {
			t.Errorf("%s: IsGCType = %v", c.name, got)
		}
		if got := IsUnmanagedPointer(c.typ); got != c.unmanagedPtr {
			t.Errorf("%s: IsUnmanagedPointer = %v, want %v", c.name, got, c.unmanagedPtr)
		}
	}
}

func TestGCPointerOffsets(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	td := llvm.NewTargetData(testDataLayout)
	defer td.Dispose()

	i64 := ctx.Int64Type()
	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)

	// struct { i64; ptr as1; struct { i64; ptr as1 }; [2 x ptr as1] }
	inner := llvm.StructType([]llvm.Type{i64, managed}, false)
	outer := llvm.StructType([]llvm.Type{i64, managed, inner, llvm.ArrayType(managed, 2)}, false)

	got := GCPointerOffsets(outer, td, nil)
	want := []uint32{8, 24, 32, 40}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GCPointerOffsets = %v, want %v", got, want)
	}

	if got := GCPointerOffsets(llvm.StructType([]llvm.Type{i64, i64}, false), td, nil); len(got) != 0 {
		t.Errorf("pointer-free struct: GCPointerOffsets = %v, want none", got)
	}
}

func TestIsGCFunction(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("classify")
	defer mod.Dispose()

	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)

	gcFn, _ := buildTestFunc(ctx, mod, "with_gc_slot", []llvm.Type{managed})
	if !IsGCFunction(gcFn) {
		t.Error("function with managed alloca: IsGCFunction = false")
	}

	plainFn, _ := buildTestFunc(ctx, mod, "plain", []llvm.Type{ctx.Int64Type()})
	if IsGCFunction(plainFn) {
		t.Error("function without GC content: IsGCFunction = true")
	}
}

func TestIsGCAllocation(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("classify")
	defer mod.Dispose()

	managed := llvm.PointerType(ctx.Int8Type(), ManagedAddrSpace)
	newobjType := llvm.FunctionType(managed, nil, false)
	newobj := llvm.AddFunction(mod, "coralrt.newobj", newobjType)
	other := llvm.AddFunction(mod, "coralrt.throw", llvm.FunctionType(ctx.VoidType(), nil, false))

	fnType := llvm.FunctionType(ctx.VoidType(), nil, false)
	fn := llvm.AddFunction(mod, "caller", fnType)
	entry := ctx.AddBasicBlock(fn, "entry")
	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)
	allocCall := builder.CreateCall(newobjType, newobj, nil, "obj")
	otherCall := builder.CreateCall(other.GlobalValueType(), other, nil, "")
	builder.CreateRetVoid()

	if !IsGCAllocation(allocCall) {
		t.Error("call to coralrt.newobj: IsGCAllocation = false")
	}
	if IsGCAllocation(otherCall) {
		t.Error("call to coralrt.throw: IsGCAllocation = true")
	}
	if IsGCAllocation(fn) {
		t.Error("non-call value: IsGCAllocation = true")
	}
}
