package notice

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrEmptyID rejects raw items without a stable identifier. Such rows cannot
// be tracked across crawls and indicate a broken feed or selector drift.
var ErrEmptyID = errors.New("notice: empty item id")

// Fingerprint returns the stable content hash for a raw item.
//
// The digest is SHA-1 over "title|date|category|link" with a fixed field
// order and separator, so the value can be reproduced from any language or
// process. Titles are cleaned upstream and cannot contain '|', which keeps
// the concatenation unambiguous.
func Fingerprint(r RawItem) (string, error) {
	if strings.TrimSpace(r.ID) == "" {
		return "", ErrEmptyID
	}
	h := sha1.New()
	h.Write([]byte(r.Title))
	h.Write(sep)
	h.Write([]byte(r.Date))
	h.Write(sep)
	h.Write([]byte(r.Category))
	h.Write(sep)
	h.Write([]byte(r.Link))
	return hex.EncodeToString(h.Sum(nil)), nil
}

var sep = []byte{'|'}
