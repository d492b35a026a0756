// bpfobject_embed_linux.go — embedded allocator-probe object variant.
//
// This file is compiled when the "bpf_embedded" build tag is set, which
// requires the pre-compiled alloc_probe.bpf.o to exist in this directory.
//
// Neither the object nor its C source is part of this tree; once
// alloc_probe.bpf.o has been placed here, build with:
//
//	go build -tags bpf_embedded ./internal/rsprof/heap/...
//
//go:build linux && bpf_embedded

package heap

import _ "embed"

//go:embed alloc_probe.bpf.o
var _embeddedBPFObject []byte

func init() {
	bpfObjectBytes = _embeddedBPFObject
}
