package strategy

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

// VerifyIntegrity 按 Subresource Integrity 语义校验 body：integrity 可包含多个以空格分隔的
// "<alg>-<base64>" 值，任意一个匹配即通过。不认识的算法会被忽略；全部不认识时视为通过。
func VerifyIntegrity(body []byte, integrity string) error {
	known := false
	for _, token := range strings.Fields(integrity) {
		alg, expected, ok := strings.Cut(token, "-")
		if !ok {
			continue
		}
		if idx := strings.IndexByte(expected, '?'); idx >= 0 {
			expected = expected[:idx]
		}
		var h hash.Hash
		switch strings.ToLower(alg) {
		case "sha256":
			h = sha256.New()
		case "sha384":
			h = sha512.New384()
		case "sha512":
			h = sha512.New()
		default:
			continue
		}
		known = true
		h.Write(body)
		actual := base64.StdEncoding.EncodeToString(h.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1 {
			return nil
		}
	}
	if !known {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIntegrityMismatch, integrity)
}
