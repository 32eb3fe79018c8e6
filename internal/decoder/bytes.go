package decoder

import (
	"errors"
	"io"
)

// ReadBytes reads exactly n bytes from r, retrying short reads. A stream that
// ends early yields io.EOF if nothing was read and io.ErrUnexpectedEOF otherwise.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, n)
	readed := 0
	for readed < n {
		m, err := r.Read(result[readed:])
		readed += m
		if readed == n {
			return result, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && readed > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return result, nil
}
