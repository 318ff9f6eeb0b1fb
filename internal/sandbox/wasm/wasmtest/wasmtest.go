// Package wasmtest holds hand-assembled guest modules for tests.
package wasmtest

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func module(sections ...[]byte) []byte {
	out := append([]byte(nil), header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// StepReturning returns a module whose step export returns result. result
// must be below 64 to fit a single LEB128 byte.
func StepReturning(result byte) []byte {
	return module(
		// type 0: () -> i32
		[]byte{0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f},
		// func 0 has type 0
		[]byte{0x03, 0x02, 0x01, 0x00},
		// export func 0 as "step"
		[]byte{0x07, 0x08, 0x01, 0x04, 's', 't', 'e', 'p', 0x00, 0x00},
		// body: i32.const result
		[]byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, result & 0x3f, 0x0b},
	)
}

// Trap returns a module whose step export hits unreachable.
func Trap() []byte {
	return module(
		[]byte{0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f},
		[]byte{0x03, 0x02, 0x01, 0x00},
		[]byte{0x07, 0x08, 0x01, 0x04, 's', 't', 'e', 'p', 0x00, 0x00},
		[]byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b},
	)
}

// NoStep returns a valid module without a step export.
func NoStep() []byte {
	return module(
		[]byte{0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f},
		[]byte{0x03, 0x02, 0x01, 0x00},
		[]byte{0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00},
		[]byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0b},
	)
}

// PrintHello returns a module whose step calls host.print("hello") and
// returns 0.
func PrintHello() []byte {
	return module(
		// types: 0 = (i32, i32) -> (), 1 = () -> i32
		[]byte{0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x00, 0x01, 0x7f},
		// import host.print as func 0
		[]byte{0x02, 0x0e, 0x01, 0x04, 'h', 'o', 's', 't', 0x05, 'p', 'r', 'i', 'n', 't', 0x00, 0x00},
		[]byte{0x03, 0x02, 0x01, 0x01},
		// one page of memory
		[]byte{0x05, 0x03, 0x01, 0x00, 0x01},
		[]byte{0x07, 0x08, 0x01, 0x04, 's', 't', 'e', 'p', 0x00, 0x01},
		// call print(0, 5); return 0
		[]byte{0x0a, 0x0c, 0x01, 0x0a, 0x00, 0x41, 0x00, 0x41, 0x05, 0x10, 0x00, 0x41, 0x00, 0x0b},
		// data "hello" at offset 0
		[]byte{0x0b, 0x0b, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x05, 'h', 'e', 'l', 'l', 'o'},
	)
}
