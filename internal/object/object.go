// Package object implements the per-file storage format: a small binary
// header, a textual key/value preamble, and the payload. The same bytes are
// written to every backend kind.
//
// Layout:
//
//	<1B version><1B flags>[16B IV if flagIV]
//	<2B LE preamble length><preamble UTF-8><payload>
//
// The payload is the original file content, AES-256-CTR encrypted when the
// IV flag is set, then compressed with the preamble's z= codec. Encryption
// happens before compression so the codec describes the outermost layer.
package object

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/filevault/filevault/internal/compress"
	apperrors "github.com/filevault/filevault/internal/errors"
)

const (
	// FormatVersion is the object header version byte.
	FormatVersion = 1

	// flagIV marks that a 16-byte AES IV follows the flags byte.
	flagIV byte = 1 << 0

	ivSize = aes.BlockSize
)

// Digest returns the lowercase hex SHA-256 of content. It is the
// authoritative dedup and verification key for the whole system.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DigestReader hashes everything read from r.
func DigestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Encode builds the stored representation of content. meta.SHA256 and
// meta.Size are computed here from the plaintext so the preamble invariant
// cannot drift from the payload. A nil key disables encryption.
func Encode(content []byte, meta Meta, key []byte) ([]byte, error) {
	meta.Version = PreambleVersion
	meta.SHA256 = Digest(content)
	meta.Size = int64(len(content))
	if meta.Compression == "" {
		meta.Compression = compress.None
	}

	flags := byte(0)
	var iv []byte
	payload := content

	if key != nil {
		flags |= flagIV
		iv = make([]byte, ivSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to generate IV", "")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeInternal, "invalid encryption key", "")
		}
		enc := make([]byte, len(payload))
		cipher.NewCTR(block, iv).XORKeyStream(enc, payload)
		payload = enc
	}

	if meta.Compression != compress.None {
		var buf bytes.Buffer
		w, err := compress.NewWriter(&buf, meta.Compression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
	}

	preamble := []byte(marshalPreamble(meta))
	if len(preamble) > 0xFFFF {
		return nil, apperrors.New(apperrors.TypeFormat, "preamble exceeds 64KiB", "")
	}

	out := make([]byte, 0, 2+len(iv)+2+len(preamble)+len(payload))
	out = append(out, FormatVersion, flags)
	out = append(out, iv...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(preamble)))
	out = append(out, preamble...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses blob and returns the preamble plus the original plaintext
// content. key is required iff the object was written encrypted. Decode does
// not verify the digest; callers that need the integrity check pair it with
// Verify.
func Decode(blob []byte, key []byte) (Meta, []byte, error) {
	if len(blob) < 4 {
		return Meta{}, nil, apperrors.New(apperrors.TypeFormat, "object truncated before header", "")
	}
	if blob[0] != FormatVersion {
		return Meta{}, nil, apperrors.New(apperrors.TypeFormat,
			fmt.Sprintf("unrecognized object version %d", blob[0]),
			"The object was written by an incompatible tool version.")
	}
	flags := blob[1]
	rest := blob[2:]

	var iv []byte
	if flags&flagIV != 0 {
		if len(rest) < ivSize {
			return Meta{}, nil, apperrors.New(apperrors.TypeFormat, "object truncated inside IV", "")
		}
		iv, rest = rest[:ivSize], rest[ivSize:]
	}

	if len(rest) < 2 {
		return Meta{}, nil, apperrors.New(apperrors.TypeFormat, "object truncated before preamble length", "")
	}
	plen := int(binary.LittleEndian.Uint16(rest))
	rest = rest[2:]
	if plen > len(rest) {
		return Meta{}, nil, apperrors.New(apperrors.TypeFormat,
			fmt.Sprintf("declared preamble length %d exceeds remaining %d bytes", plen, len(rest)), "")
	}

	meta, err := parsePreamble(string(rest[:plen]))
	if err != nil {
		return Meta{}, nil, err
	}
	payload := rest[plen:]

	if meta.Compression != compress.None {
		r, err := compress.NewReader(bytes.NewReader(payload), meta.Compression)
		if err != nil {
			return Meta{}, nil, apperrors.Wrap(err, apperrors.TypeFormat, "failed to open payload codec", "")
		}
		payload, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return Meta{}, nil, apperrors.Wrap(err, apperrors.TypeFormat, "failed to decompress payload", "")
		}
	}

	if iv != nil {
		if key == nil {
			return Meta{}, nil, apperrors.New(apperrors.TypeAuth,
				"object is encrypted but no key was unlocked",
				"Unlock the destination key to restore encrypted objects.")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return Meta{}, nil, apperrors.Wrap(err, apperrors.TypeInternal, "invalid decryption key", "")
		}
		dec := make([]byte, len(payload))
		cipher.NewCTR(block, iv).XORKeyStream(dec, payload)
		payload = dec
	}

	return meta, payload, nil
}

// Verify recomputes the content digest against the preamble. A mismatch is
// the restore pipeline's corruption signal and is never silently corrected.
func Verify(meta Meta, content []byte) error {
	actual := Digest(content)
	if actual != meta.SHA256 {
		return apperrors.Wrap(
			fmt.Errorf("path %s: expected %s, got %s", meta.Path, meta.SHA256, actual),
			apperrors.TypeIntegrity, "Integrity failure",
			"Stored object content does not match its recorded digest. The object may be corrupt or tampered with.")
	}
	if int64(len(content)) != meta.Size {
		return apperrors.Wrap(
			fmt.Errorf("path %s: expected %d bytes, got %d", meta.Path, meta.Size, len(content)),
			apperrors.TypeIntegrity, "Integrity failure", "Decoded size differs from the recorded size.")
	}
	return nil
}
