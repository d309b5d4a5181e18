// Package classifier owns the compiled XDP program (C1), the generated
// map bindings (C2, the Go side of bpf/classifier.c), and the
// Loader/Attach logic (C7) that loads the program image, resolves its
// map handles by name, and attaches it to network interfaces.
package classifier

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall" classifier ./bpf/classifier.c -- -I./bpf/headers
