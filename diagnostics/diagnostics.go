// Package diagnostics formats GC info generation errors and prints them in
// a consistent way. Encoding runs per function, so a single module emit can
// fail for several functions at once; the drive loop collects those into a
// MultiError rather than stopping at the first one.
package diagnostics

import (
	"fmt"
	"io"
	"sort"
)

// FuncError is a failure while encoding one function's GC info.
type FuncError struct {
	Function string
	Err      error
}

func (e *FuncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Function, e.Err)
}

func (e *FuncError) Unwrap() error {
	return e.Err
}

// MultiError bundles the failures of one module emit.
type MultiError struct {
	Errs []error
}

func (e *MultiError) Error() string {
	// Return the first error, as a basic fallback for callers that print
	// the error directly instead of going through CreateDiagnostics.
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", e.Errs[0], len(e.Errs)-1)
}

// A single diagnostic.
type Diagnostic struct {
	Function string
	Msg      string
}

// Diagnostics of a whole module emit.
type ProgramDiagnostic []Diagnostic

// CreateDiagnostics reads the underlying errors in the error object and
// creates a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) ProgramDiagnostic {
	if err == nil {
		return nil
	}
	var diags ProgramDiagnostic
	switch err := err.(type) {
	case *MultiError:
		for _, err := range err.Errs {
			diags = append(diags, createDiagnostics(err)...)
		}
	default:
		diags = createDiagnostics(err)
	}
	sort.SliceStable(diags, func(i, j int) bool {
		return diags[i].Function < diags[j].Function
	})
	return diags
}

func createDiagnostics(err error) []Diagnostic {
	switch err := err.(type) {
	case *FuncError:
		return []Diagnostic{
			{Function: err.Function, Msg: err.Err.Error()},
		}
	default:
		return []Diagnostic{
			{Msg: err.Error()},
		}
	}
}

// Write program diagnostics to the given writer.
func (progDiag ProgramDiagnostic) WriteTo(w io.Writer) {
	for _, diag := range progDiag {
		diag.WriteTo(w)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) WriteTo(w io.Writer) {
	if diag.Function == "" {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", diag.Function, diag.Msg)
}
