package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

func dirOf(path string) string {
	return filepath.Dir(path)
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
