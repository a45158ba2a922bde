//go:build amd64 || arm64 || ppc64 || ppc64le || mips64 || mips64le || riscv64 || s390x || loong64 || wasm

package chm

// foldHigh xors the upper half-word of h into the lower one, so the
// 16-bit fold in spread sees every bit of a 64-bit hash.
func foldHigh(h uintptr) uintptr {
	return h ^ (h >> 32)
}
