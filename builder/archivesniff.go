package builder

import (
	"os"
	"strings"
)

// isArchiveByExtension reports whether path looks like a tar archive by
// its file extension, independent of any magic-byte sniff.
func isArchiveByExtension(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".tar")
}

// compression identifies the codec wrapping an archive stream, passed
// through verbatim on the extract_tarfile task (§4.5/§6).
type compression int

const (
	compressionNone compression = iota
	compressionGzip
	compressionBzip2
	compressionXz
)

// isCompressed peeks at the leading bytes of the file at path and reports
// whether it looks like a compressed (and therefore auto-extractable, per
// §4.5) archive. Only the handful of magic numbers Docker itself
// recognizes for ADD auto-extraction are checked; nothing in the example
// pack offers a standalone "sniff archive type" library small enough to
// pull in just for this, so the bytes are compared directly rather than
// reaching for an unrelated mega-dependency (see DESIGN.md).
func isCompressed(path string) bool {
	return detectCompression(path) != compressionNone
}

func detectCompression(path string) compression {
	f, err := os.Open(path)
	if err != nil {
		return compressionNone
	}
	defer f.Close()

	header := make([]byte, 6)
	n, _ := f.Read(header)
	header = header[:n]

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		return compressionGzip
	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		return compressionBzip2
	case len(header) >= 6 && header[0] == 0xfd && string(header[1:6]) == "7zXZ\x00":
		return compressionXz
	default:
		return compressionNone
	}
}

func (c compression) String() string {
	switch c {
	case compressionGzip:
		return "gzip"
	case compressionBzip2:
		return "bzip2"
	case compressionXz:
		return "xz"
	default:
		return ""
	}
}
