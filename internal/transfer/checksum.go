package transfer

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
)

// checksumPrefix names the algorithm in stored and transmitted checksums
const checksumPrefix = "SHA1:"

// ChecksumReader computes the checksum of everything r yields as "SHA1:<hex>"
func ChecksumReader(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return checksumPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
