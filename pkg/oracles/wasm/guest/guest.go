// Package guest is the module side of the wasm oracle ABI: the request and
// response documents, and helpers for writing scoring modules in Go.
//
// A module built with
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o scorer.wasm ./cmd/seqsynth-scorer
//
// exports malloc, free and score on top of Alloc, Free and Serve. Go modules
// carry the Go runtime, so they need a larger memory limit than hand-written
// ones; see the oracle's memory_pages setting.
package guest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// Request is what a module's score function receives.
type Request struct {
	Library string        `json:"library"`
	Calls   []engine.Call `json:"calls"`
	// Branches are the declared branch IDs of the invoked operations.
	Branches []string `json:"declared"`
}

// Response is what a module's score function returns. A non-empty Crash
// reports the candidate as crashing with that reason.
type Response struct {
	Branches map[string]int `json:"branches"`
	Crash    string         `json:"crash,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Scorer scores one request.
type Scorer func(req *Request) Response

// Handle decodes a request, scores it and encodes the response. Decoding
// failures and scorer panics become a Response error rather than a trap, so
// the host can tell a broken module from a crashing candidate.
func Handle(input []byte, score Scorer) []byte {
	var req Request
	if err := json.Unmarshal(input, &req); err != nil {
		return encode(Response{Error: fmt.Sprintf("invalid request: %v", err)})
	}
	return encode(safeScore(&req, score))
}

func safeScore(req *Request, score Scorer) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: fmt.Sprintf("scorer panicked: %v", r)}
		}
	}()
	resp = score(req)
	if resp.Branches == nil {
		resp.Branches = map[string]int{}
	}
	return resp
}

func encode(resp Response) []byte {
	if resp.Branches == nil {
		resp.Branches = map[string]int{}
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"branches":{},"error":"failed to encode response"}`)
	}
	return out
}

// DeclaredScorer hits, for every call, the declared branches named
// "<op>:ok" and "<op>:<value>" where value is one of the call's literal
// arguments. It approximates a library whose branches follow its inputs.
func DeclaredScorer(req *Request) Response {
	byOp := make(map[string][]string)
	for _, id := range req.Branches {
		op, suffix, ok := strings.Cut(id, ":")
		if !ok {
			continue
		}
		byOp[op] = append(byOp[op], suffix)
	}

	hits := make(map[string]int)
	for _, call := range req.Calls {
		for _, suffix := range byOp[call.Op] {
			if suffix == "ok" || hasLiteral(call, suffix) {
				hits[call.Op+":"+suffix]++
			}
		}
	}
	return Response{Branches: hits}
}

func hasLiteral(call engine.Call, value string) bool {
	for _, a := range call.Args {
		if a.Kind == engine.ParamLiteral && a.Literal.Value == value {
			return true
		}
	}
	return false
}
