package object

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/filevault/filevault/internal/compress"
	apperrors "github.com/filevault/filevault/internal/errors"
)

// PreambleVersion is the schema version written into the v= field.
const PreambleVersion = 1

// Meta is the decoded preamble of a stored object. The sha256 and size
// fields always describe the original plaintext content, regardless of
// compression or encryption.
type Meta struct {
	Version     int
	Compression compress.Algorithm
	SHA256      string
	Size        int64
	Modified    int64
	Accessed    int64
	Path        string

	// Extra holds unknown keys from newer writers, preserved in order.
	Extra [][2]string
}

// marshalPreamble renders the ordered key=value text block. The path field
// is always last so its value may contain commas.
func marshalPreamble(m Meta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%d,z=%s,sha256=%s,size=%d,modified=%d,accessed=%d",
		m.Version, m.Compression, m.SHA256, m.Size, m.Modified, m.Accessed)
	for _, kv := range m.Extra {
		fmt.Fprintf(&b, ",%s=%s", kv[0], kv[1])
	}
	fmt.Fprintf(&b, ",path=%s", m.Path)
	return b.String()
}

func parsePreamble(text string) (Meta, error) {
	if !utf8.ValidString(text) {
		return Meta{}, apperrors.New(apperrors.TypeFormat, "preamble is not valid UTF-8", "")
	}

	m := Meta{Compression: compress.None}
	rest := text
	for rest != "" {
		// path is the terminal field; everything after "path=" belongs to it.
		if strings.HasPrefix(rest, "path=") {
			m.Path = rest[len("path="):]
			break
		}

		pair := rest
		if i := strings.IndexByte(rest, ','); i >= 0 {
			pair, rest = rest[:i], rest[i+1:]
		} else {
			rest = ""
		}

		eq := strings.IndexByte(pair, '=')
		if eq < 1 {
			return Meta{}, apperrors.New(apperrors.TypeFormat,
				fmt.Sprintf("malformed preamble field %q", pair), "")
		}
		key, val := pair[:eq], pair[eq+1:]

		var err error
		switch key {
		case "v":
			m.Version, err = strconv.Atoi(val)
		case "z":
			m.Compression = compress.Algorithm(val)
		case "sha256":
			m.SHA256 = val
		case "size":
			m.Size, err = strconv.ParseInt(val, 10, 64)
		case "modified":
			m.Modified, err = strconv.ParseInt(val, 10, 64)
		case "accessed":
			m.Accessed, err = strconv.ParseInt(val, 10, 64)
		default:
			// Unknown keys from newer schema versions are carried, not rejected.
			m.Extra = append(m.Extra, [2]string{key, val})
		}
		if err != nil {
			return Meta{}, apperrors.Wrap(err, apperrors.TypeFormat,
				fmt.Sprintf("invalid preamble value for %q", key), "")
		}
	}

	if m.Version == 0 || m.SHA256 == "" {
		return Meta{}, apperrors.New(apperrors.TypeFormat, "preamble missing required fields", "")
	}
	if !compress.Valid(m.Compression) {
		return Meta{}, apperrors.New(apperrors.TypeFormat,
			fmt.Sprintf("unknown compression codec %q in preamble", m.Compression), "")
	}
	return m, nil
}
