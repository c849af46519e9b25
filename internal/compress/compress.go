package compress

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Algorithm string

const (
	None Algorithm = "none"
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	Lz4  Algorithm = "lz4"
)

// Valid reports whether a names a known payload codec.
func Valid(a Algorithm) bool {
	switch a {
	case None, Gzip, Zstd, Lz4:
		return true
	}
	return false
}

// NewWriter wraps w with the requested compression codec. The returned
// WriteCloser must be closed to flush codec trailers; closing it does not
// close w.
func NewWriter(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	case Lz4:
		return lz4.NewWriter(w), nil
	default:
		return nil, ErrUnsupportedAlgo(algo)
	}
}

// NewReader wraps r with the decompression codec matching algo.
func NewReader(r io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gz, nil
	case Zstd:
		z, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{z}, nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, ErrUnsupportedAlgo(algo)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

type ErrUnsupportedAlgo Algorithm

func (e ErrUnsupportedAlgo) Error() string {
	return "unsupported compression algorithm: " + string(e)
}
