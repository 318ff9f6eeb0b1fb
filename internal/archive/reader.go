package archive

import (
	"errors"
	"io"
)

const (
	initialBufferSize = 4 << 10
	// defaultMaxGrowths caps an entry at initialBufferSize << 16 (256MiB).
	defaultMaxGrowths = 16
	maxEmptyReads     = 100
)

// readAll reads r to EOF without knowing its length up front. The buffer
// doubles when full; after maxGrowths doublings a stream that still has
// data fails with ErrTooMuchData.
func readAll(r io.Reader, initial, maxGrowths int) ([]byte, error) {
	if initial <= 0 {
		initial = initialBufferSize
	}
	buf := make([]byte, initial)
	n, growths, empty := 0, 0, 0
	for {
		if n == len(buf) {
			if growths >= maxGrowths {
				if atEOF(r) {
					return buf[:n], nil
				}
				return nil, ErrTooMuchData
			}
			grown := make([]byte, len(buf)*2)
			copy(grown, buf[:n])
			buf = grown
			growths++
		}

		m, err := r.Read(buf[n:])
		n += m
		if errors.Is(err, io.EOF) {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
		if m == 0 {
			empty++
			if empty >= maxEmptyReads {
				return nil, io.ErrNoProgress
			}
			continue
		}
		empty = 0
	}
}

func atEOF(r io.Reader) bool {
	var probe [1]byte
	for i := 0; i < maxEmptyReads; i++ {
		m, err := r.Read(probe[:])
		if m > 0 {
			return false
		}
		if err != nil {
			return errors.Is(err, io.EOF)
		}
	}
	return false
}
