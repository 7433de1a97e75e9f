package wasm

// Scoring modules for the tests are assembled here so no toolchain is needed
// to produce them. Each module exports memory, a bump malloc, a no-op free
// and a score function whose body is supplied by the test.

const (
	sectionType     = 1
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	responseOffset = 16
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func body(code ...byte) []byte {
	b := append([]byte{0x00}, code...) // no locals
	return append(uleb(uint64(len(b))), b...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// buildModule assembles a module whose score function runs scoreCode and
// whose memory holds data at responseOffset.
func buildModule(scoreCode []byte, data string) []byte {
	const (
		i32 = 0x7f
		i64 = 0x7e
	)
	types := vec(
		[]byte{0x60, 1, i32, 1, i32},      // malloc
		[]byte{0x60, 1, i32, 0},           // free
		[]byte{0x60, 2, i32, i32, 1, i64}, // score
	)
	funcs := vec([]byte{0}, []byte{1}, []byte{2})
	memory := vec([]byte{0x00, 0x01})
	heap := vec(cat([]byte{i32, 0x01, 0x41}, sleb(1024), []byte{0x0b}))
	exports := vec(
		cat(name("memory"), []byte{0x02, 0x00}),
		cat(name("malloc"), []byte{0x00, 0x00}),
		cat(name("free"), []byte{0x00, 0x01}),
		cat(name("score"), []byte{0x00, 0x02}),
	)
	code := vec(
		// global.get 0; global.get 0; local.get 0; i32.add; global.set 0
		body(0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b),
		body(0x0b),
		body(scoreCode...),
	)

	module := cat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(sectionType, types),
		section(sectionFunction, funcs),
		section(sectionMemory, memory),
		section(sectionGlobal, heap),
		section(sectionExport, exports),
		section(sectionCode, code),
	)
	if data != "" {
		segment := cat([]byte{0x00, 0x41}, sleb(responseOffset), []byte{0x0b}, name(data))
		module = append(module, section(sectionData, vec(segment))...)
	}
	return module
}

// respondModule returns response from every score call.
func respondModule(response string) []byte {
	packed := int64(responseOffset)<<32 | int64(len(response))
	return buildModule(cat([]byte{0x42}, sleb(packed), []byte{0x0b}), response)
}

// echoModule returns its request as the response.
func echoModule() []byte {
	// local.get 0; i64.extend_i32_u; i64.const 32; i64.shl;
	// local.get 1; i64.extend_i32_u; i64.or
	return buildModule([]byte{
		0x20, 0x00, 0xad, 0x42, 0x20, 0x86,
		0x20, 0x01, 0xad, 0x84,
		0x0b,
	}, "")
}

// trapModule hits unreachable in score.
func trapModule() []byte {
	return buildModule([]byte{0x00, 0x0b}, "")
}

// spinModule never returns from score.
func spinModule() []byte {
	// loop; br 0; end; unreachable
	return buildModule([]byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b}, "")
}
