package object

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ugorji/go/codec"
)

// marshalCanonical encodes v as canonical json: map keys sorted, so equal
// values always produce equal bytes.
func marshalCanonical(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func unmarshalCanonical(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}

// HashContents returns the lowercase hex SHA-256 digest of the canonical
// encoding of contents. Key order never affects the digest, which makes the
// hash the change-detection mechanism for resources delivered repeatedly or
// out of order.
func HashContents(contents map[string]interface{}) (string, error) {
	data, err := marshalCanonical(contents)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(data)

	return hex.EncodeToString(digest[:]), nil
}
