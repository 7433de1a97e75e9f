//go:build wasip1

// Command seqsynth-scorer is a reference scoring module for the wasm oracle.
// It credits the declared "<op>:ok" branches of every call and the
// "<op>:<value>" branches matching its literal arguments.
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o scorer.wasm ./cmd/seqsynth-scorer
package main

import "github.com/seqsynth/seqsynth/pkg/oracles/wasm/guest"

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	return guest.Alloc(size)
}

//go:wasmexport free
func free(ptr uint32) {
	guest.Free(ptr)
}

//go:wasmexport score
func score(ptr, length uint32) uint64 {
	return guest.Serve(ptr, length, guest.DeclaredScorer)
}

func main() {}
