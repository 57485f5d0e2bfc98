// Package hasher computes the content digests used throughout the store:
// MD5 for S3 ETags, SHA-256 for chunk content addressing.
package hasher

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// Digest holds both digests of a byte buffer, hex encoded.
type Digest struct {
	MD5    string
	SHA256 string
}

// Sum computes MD5 and SHA-256 of data.
func Sum(data []byte) Digest {
	m := md5.Sum(data)
	s := sha256.Sum256(data)
	return Digest{
		MD5:    hex.EncodeToString(m[:]),
		SHA256: hex.EncodeToString(s[:]),
	}
}

// MD5Hex returns the lowercase hex MD5 of data.
func MD5Hex(data []byte) string {
	m := md5.Sum(data)
	return hex.EncodeToString(m[:])
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	s := sha256.Sum256(data)
	return hex.EncodeToString(s[:])
}

// ETag returns the S3 entity tag of data: the quoted hex MD5.
func ETag(data []byte) string {
	return `"` + MD5Hex(data) + `"`
}
