// Package reframe regroups a stream of variable-length audio fragments into
// fixed-size chunks.
package reframe

import "iter"

// DefaultChunkSize is used when no size is configured.
const DefaultChunkSize = 1024

// Reframe lazily regroups fragments into chunks of exactly chunkSize bytes.
// The final chunk carries the remainder and may be shorter. A chunkSize <= 0
// disables regrouping and yields each fragment unmodified. Bytes and order are
// preserved. If fragments yields an error the buffered remainder is discarded
// and the error is yielded last.
//
// Yielded chunks are never reused by Reframe, so callers may retain them.
func Reframe(fragments iter.Seq2[[]byte, error], chunkSize int) iter.Seq2[[]byte, error] {
	if chunkSize <= 0 {
		return fragments
	}
	return func(yield func([]byte, error) bool) {
		var pending []byte
		for fragment, err := range fragments {
			if err != nil {
				yield(nil, err)
				return
			}
			pending = append(pending, fragment...)
			for len(pending) >= chunkSize {
				chunk := make([]byte, chunkSize)
				copy(chunk, pending[:chunkSize])
				pending = pending[chunkSize:]
				if !yield(chunk, nil) {
					return
				}
			}
			if len(pending) == 0 {
				pending = nil
			}
		}
		if len(pending) > 0 {
			yield(pending, nil)
		}
	}
}

// Count returns how many chunks Reframe produces for total bytes.
func Count(total, chunkSize int) int {
	if chunkSize <= 0 || total <= 0 {
		return 0
	}
	return (total + chunkSize - 1) / chunkSize
}
