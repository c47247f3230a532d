// Package fileid derives stable identifiers for image files from their paths.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const prefix = "img:"

// ImageID returns a stable ID for the given absolute path.
// Same path always yields the same ID, after cleaning.
func ImageID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:16])
}
