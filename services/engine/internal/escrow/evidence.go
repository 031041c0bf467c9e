package escrow

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// evidenceDigest fingerprints delivered output for the audit record.
// Canonicalized first so digest stability does not depend on key order.
func evidenceDigest(output []byte) string {
	if len(output) == 0 {
		return ""
	}
	canonical, err := jcs.Transform(output)
	if err != nil {
		canonical = output
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}
