package main

import (
	"io"
)

// countingReader wraps a reader, tracking how many bytes passed through and
// reporting each chunk to an optional progress callback. Used for download
// progress across the parallel blob fetches.
type countingReader struct {
	R        io.Reader
	Progress func(n int) // Optional, called from the reading goroutine.

	N int64
}

func (r *countingReader) Read(buf []byte) (int, error) {
	n, err := r.R.Read(buf)
	if n > 0 {
		r.N += int64(n)
		if r.Progress != nil {
			r.Progress(n)
		}
	}
	return n, err
}
