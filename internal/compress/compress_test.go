package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible payload for codec round trips "), 200)

	for _, algo := range []Algorithm{None, Gzip, Zstd, Lz4} {
		t.Run(string(algo), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, algo)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if algo != None {
				assert.Less(t, buf.Len(), len(payload))
			}

			r, err := NewReader(bytes.NewReader(buf.Bytes()), algo)
			require.NoError(t, err)
			defer r.Close()

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Gzip))
	assert.True(t, Valid(None))
	assert.False(t, Valid("tar"))
	assert.False(t, Valid("brotli"))
}

func TestUnsupportedAlgo(t *testing.T) {
	_, err := NewWriter(io.Discard, "brotli")
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil), "brotli")
	assert.Error(t, err)
}
