package cryptoutil

import "encoding/base64"

// B64Encode encodes b as unpadded base64url, the encoding used for every
// base64 field in the envelope and frame wire formats.
func B64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64Decode reverses B64Encode.
func B64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func b64Encode(b []byte) string { return B64Encode(b) }

func b64Decode(s string) ([]byte, error) { return B64Decode(s) }
