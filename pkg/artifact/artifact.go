// Package artifact renders corpus entries as C test functions with a metadata
// header, and parses them back.
//
// An artifact looks like:
//
//	// Id: id_000001
//	// Prompt: seed=3
//	// Combination: none
//	// score: 3.5, nr_unique_branch: 4
//	// Quality: {"density":0.75,"unique_branches":{...},"library_calls":[...],"critical_calls":[...],"visited":0}
//	#include <cJSON.h>
//
//	int test_cJSON_api_sequence() {
//	    cJSON * r1 = cJSON_CreateObject();
//	    if (!r1) return 0;
//	    cJSON_Delete(r1);
//	    return 66;
//	}
//
// Parse needs no catalog: result variables are rN for instances and dN for
// derived values, and literals are typed by their spelling.
package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

const (
	idPrefix          = "// Id: "
	promptPrefix      = "// Prompt:"
	combinationPrefix = "// Combination: "
	scorePrefix       = "// score: "
	qualityPrefix     = "// Quality: "
	faultPrefix       = "// Fault: "
)

var (
	funcRe  = regexp.MustCompile(`^int test_(.+)_api_sequence\(\) \{$`)
	guardRe = regexp.MustCompile(`^if \(![rd][0-9]+\) return 0;$`)
	declRe  = regexp.MustCompile(`^[^()=]+?\b([rd][0-9]+) = NULL;$`)
	refRe   = regexp.MustCompile(`^[rd][0-9]+$`)
	intRe   = regexp.MustCompile(`^-?(0[xX][0-9a-fA-F]+|[0-9]+)[uUlL]*$`)
	floatRe = regexp.MustCompile(`^-?[0-9]+\.[0-9]*([eE][+-]?[0-9]+)?[fF]?$`)
	scoreRe = regexp.MustCompile(`^(\S+), nr_unique_branch: ([0-9]+)$`)
)

// FunctionName returns the name of the generated test function for a library.
func FunctionName(library string) string {
	return "test_" + library + "_api_sequence"
}

// Emit renders an entry. The catalog supplies includes and the C types of
// result variables; nothing else about the output depends on it.
func Emit(entry engine.Entry, catalog *engine.Catalog) ([]byte, error) {
	if strings.ContainsAny(entry.Prompt, "\r\n") {
		return nil, fmt.Errorf("prompt of %s spans several lines", entry.ID)
	}
	q := entry.Quality
	q.Normalize()
	quality, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quality record: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%s\n", idPrefix, entry.ID)
	writePrompt(&buf, entry.Prompt)
	fmt.Fprintf(&buf, "%s%s\n", combinationPrefix, entry.Combination.String())
	fmt.Fprintf(&buf, "%s%s, nr_unique_branch: %d\n", scorePrefix,
		strconv.FormatFloat(entry.Score, 'f', -1, 64), len(q.UniqueBranches))
	fmt.Fprintf(&buf, "%s%s\n", qualityPrefix, quality)

	if err := writeBody(&buf, entry.Sequence, catalog); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EmitFault renders a crash or hang record. Fault artifacts carry the fault
// instead of a score and quality line.
func EmitFault(rec engine.FaultRecord, catalog *engine.Catalog) ([]byte, error) {
	fault, err := json.Marshal(rec.Fault)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fault: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%s\n", idPrefix, rec.ID)
	writePrompt(&buf, strings.ReplaceAll(rec.Prompt, "\n", " "))
	fmt.Fprintf(&buf, "%s%s\n", combinationPrefix, rec.Combination.String())
	fmt.Fprintf(&buf, "%s%s\n", faultPrefix, fault)

	if err := writeBody(&buf, rec.Sequence, catalog); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePrompt(buf *bytes.Buffer, prompt string) {
	if prompt == "" {
		buf.WriteString(promptPrefix + "\n")
		return
	}
	fmt.Fprintf(buf, "%s %s\n", promptPrefix, prompt)
}

func writeBody(buf *bytes.Buffer, seq engine.Sequence, catalog *engine.Catalog) error {
	for _, h := range catalog.Headers {
		switch {
		case strings.HasPrefix(h, "#"):
			buf.WriteString(h)
		case strings.HasPrefix(h, "<"), strings.HasPrefix(h, `"`):
			fmt.Fprintf(buf, "#include %s", h)
		default:
			fmt.Fprintf(buf, "#include <%s>", h)
		}
		buf.WriteByte('\n')
	}
	if len(catalog.Headers) > 0 {
		buf.WriteByte('\n')
	}

	library := seq.Library
	if library == "" {
		library = catalog.Library
	}
	fmt.Fprintf(buf, "int %s() {\n", FunctionName(library))
	for i, c := range seq.Calls {
		lines, err := renderCall(c, catalog)
		if err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
		for _, line := range lines {
			fmt.Fprintf(buf, "    %s\n", line)
		}
	}
	fmt.Fprintf(buf, "    return %d;\n}\n", engine.ExpectedReturn)
	return nil
}

// renderCall returns the statements of one call: an optional declaration for
// results written through a pointer, the call itself and an optional NULL guard.
func renderCall(c engine.Call, catalog *engine.Catalog) ([]string, error) {
	op, ok := catalog.Operation(c.Op)
	if !ok {
		return nil, engine.NewCatalogError("operation not in catalog", nil).WithOperation(c.Op)
	}
	if len(c.Args) != len(op.Params) {
		return nil, engine.NewContractViolation("argument count mismatch").WithOperation(c.Op)
	}

	args := make([]string, 0, len(c.Args)+1)
	for i, a := range c.Args {
		if op.Params[i].ByRef {
			args = append(args, "&"+a.String())
			continue
		}
		args = append(args, a.String())
	}

	if c.Result == "" || op.Returns == nil {
		return []string{fmt.Sprintf("%s(%s);", c.Op, strings.Join(args, ", "))}, nil
	}

	var ctype string
	guard := false
	switch op.Returns.Kind {
	case engine.ReturnResource:
		role, ok := catalog.Role(op.Returns.Role)
		if !ok {
			return nil, engine.NewCatalogError("unknown role", nil).WithOperation(c.Op)
		}
		ctype = role.CType
		guard = op.FailureMode == engine.FailureMayReturnNull
	case engine.ReturnDerived:
		ctype = op.Returns.CType
	}

	var lines []string
	if out := op.Returns.Out; out > 0 {
		pos := out - 1
		args = append(args[:pos], append([]string{"&" + c.Result}, args[pos:]...)...)
		lines = append(lines,
			fmt.Sprintf("%s %s = NULL;", ctype, c.Result),
			fmt.Sprintf("%s(%s);", c.Op, strings.Join(args, ", ")))
	} else {
		lines = append(lines, fmt.Sprintf("%s %s = %s(%s);", ctype, c.Result, c.Op, strings.Join(args, ", ")))
	}
	if guard {
		lines = append(lines, fmt.Sprintf("if (!%s) return 0;", c.Result))
	}
	return lines, nil
}

// Parse reads an artifact produced by Emit back into an entry.
func Parse(data []byte) (engine.Entry, error) {
	var entry engine.Entry
	var (
		haveID, haveScore, haveQuality, inBody, done bool
		uniqueCount                                  int
	)
	// Results declared "= NULL" and still waiting for the call that writes them.
	pending := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		if !inBody {
			switch {
			case strings.HasPrefix(raw, idPrefix):
				entry.ID = strings.TrimSpace(strings.TrimPrefix(raw, idPrefix))
				haveID = true
			case strings.HasPrefix(raw, promptPrefix):
				entry.Prompt = strings.TrimPrefix(strings.TrimPrefix(raw, promptPrefix), " ")
			case strings.HasPrefix(raw, combinationPrefix):
				comb, err := engine.ParseCombination(strings.TrimPrefix(raw, combinationPrefix))
				if err != nil {
					return engine.Entry{}, fmt.Errorf("line %d: %w", lineNo, err)
				}
				entry.Combination = comb
			case strings.HasPrefix(raw, scorePrefix):
				m := scoreRe.FindStringSubmatch(strings.TrimPrefix(raw, scorePrefix))
				if m == nil {
					return engine.Entry{}, fmt.Errorf("line %d: malformed score line", lineNo)
				}
				score, err := strconv.ParseFloat(m[1], 64)
				if err != nil {
					return engine.Entry{}, fmt.Errorf("line %d: bad score: %w", lineNo, err)
				}
				entry.Score = score
				uniqueCount, _ = strconv.Atoi(m[2])
				haveScore = true
			case strings.HasPrefix(raw, qualityPrefix):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(raw, qualityPrefix)), &entry.Quality); err != nil {
					return engine.Entry{}, fmt.Errorf("line %d: bad quality record: %w", lineNo, err)
				}
				haveQuality = true
			case strings.HasPrefix(raw, faultPrefix):
				return engine.Entry{}, fmt.Errorf("line %d: fault artifacts have no quality record", lineNo)
			case funcRe.MatchString(line):
				entry.Sequence.Library = funcRe.FindStringSubmatch(line)[1]
				inBody = true
			}
			continue
		}

		if done {
			if line != "" {
				return engine.Entry{}, fmt.Errorf("line %d: content after the function body", lineNo)
			}
			continue
		}
		switch {
		case line == "" || guardRe.MatchString(line):
		case line == fmt.Sprintf("return %d;", engine.ExpectedReturn):
		case line == "}":
			done = true
		case declRe.MatchString(line):
			id := declRe.FindStringSubmatch(line)[1]
			if pending[id] {
				return engine.Entry{}, fmt.Errorf("line %d: %s declared twice", lineNo, id)
			}
			pending[id] = true
		default:
			call, err := parseCall(line, pending)
			if err != nil {
				return engine.Entry{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			entry.Sequence.Calls = append(entry.Sequence.Calls, call)
		}
	}
	if err := scanner.Err(); err != nil {
		return engine.Entry{}, err
	}

	switch {
	case !haveID:
		return engine.Entry{}, fmt.Errorf("missing Id line")
	case !haveScore || !haveQuality:
		return engine.Entry{}, fmt.Errorf("missing score or Quality line")
	case !done:
		return engine.Entry{}, fmt.Errorf("missing or unterminated %s function", "test_<library>_api_sequence")
	case len(pending) > 0:
		return engine.Entry{}, fmt.Errorf("result variables declared but never written: %d", len(pending))
	case uniqueCount != len(entry.Quality.UniqueBranches):
		return engine.Entry{}, fmt.Errorf("nr_unique_branch %d does not match %d quality branches",
			uniqueCount, len(entry.Quality.UniqueBranches))
	}
	entry.Quality.Normalize()
	if entry.Sequence.Calls == nil {
		entry.Sequence.Calls = []engine.Call{}
	}
	return entry, nil
}

// parseCall parses "[ctype rN =] op(args);". An "&rN" argument naming a
// pending declaration is the call's result and is not an argument.
func parseCall(line string, pending map[string]bool) (engine.Call, error) {
	if !strings.HasSuffix(line, ");") {
		return engine.Call{}, fmt.Errorf("not a call statement: %q", line)
	}
	open := strings.IndexByte(line, '(')
	if open < 0 {
		return engine.Call{}, fmt.Errorf("not a call statement: %q", line)
	}

	var call engine.Call
	head := line[:open]
	if eq := strings.LastIndex(head, "="); eq >= 0 {
		lhs := strings.Fields(strings.ReplaceAll(head[:eq], "*", " "))
		if len(lhs) == 0 || !refRe.MatchString(lhs[len(lhs)-1]) {
			return engine.Call{}, fmt.Errorf("bad result variable in %q", line)
		}
		call.Result = lhs[len(lhs)-1]
		head = head[eq+1:]
	}
	call.Op = strings.TrimSpace(head)
	if call.Op == "" {
		return engine.Call{}, fmt.Errorf("missing operation name in %q", line)
	}

	args, err := splitArgs(line[open+1 : len(line)-2])
	if err != nil {
		return engine.Call{}, fmt.Errorf("%w in %q", err, line)
	}
	for _, text := range args {
		if strings.HasPrefix(text, "&") {
			ref := strings.TrimSpace(text[1:])
			if !refRe.MatchString(ref) {
				return engine.Call{}, fmt.Errorf("bad pointer argument %s in %q", text, line)
			}
			if pending[ref] {
				if call.Result != "" {
					return engine.Call{}, fmt.Errorf("call writes two results in %q", line)
				}
				call.Result = ref
				delete(pending, ref)
				continue
			}
			text = ref
		}
		arg, err := parseArg(text)
		if err != nil {
			return engine.Call{}, err
		}
		call.Args = append(call.Args, arg)
	}
	return call, nil
}

// splitArgs splits on top-level commas, honoring string literals.
func splitArgs(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []string
	start, depth := 0, 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
		case ch == '"':
			inString = true
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case ch == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if inString || depth != 0 {
		return nil, fmt.Errorf("unbalanced argument list")
	}
	return append(out, strings.TrimSpace(s[start:])), nil
}

func parseArg(text string) (engine.Arg, error) {
	switch {
	case strings.HasPrefix(text, `"`):
		v, err := strconv.Unquote(text)
		if err != nil {
			return engine.Arg{}, fmt.Errorf("bad string literal %s: %w", text, err)
		}
		return engine.LiteralArg(engine.LiteralString, v), nil
	case text == "NULL":
		return engine.LiteralArg(engine.LiteralNull, ""), nil
	case refRe.MatchString(text):
		if text[0] == 'd' {
			return engine.DerivedArg(text), nil
		}
		return engine.RefArg(text), nil
	case intRe.MatchString(text):
		return engine.LiteralArg(engine.LiteralInt, text), nil
	case floatRe.MatchString(text):
		return engine.LiteralArg(engine.LiteralFloat, text), nil
	case text == "":
		return engine.Arg{}, fmt.Errorf("empty argument")
	default:
		return engine.LiteralArg(engine.LiteralSymbol, text), nil
	}
}
