package callbind

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gowebpki/jcs"
)

// Commitment is the hash binding an authorization decision, an escrow lock
// and a provider delivery to one exact invocation. Format: "sha256:<hex>".
type Commitment string

var ErrBadInput = errors.New("callbind: service, agent and invocation ids are required")

// Bind computes the commitment for a service call. The payload is JSON and is
// canonicalized per RFC 8785 before hashing, so key order and number spelling
// cannot produce distinct commitments for the same call. An empty payload
// binds as the empty object.
func Bind(serviceID, agentID, invocationID string, payload []byte) (Commitment, error) {
	if strings.TrimSpace(serviceID) == "" || strings.TrimSpace(agentID) == "" || strings.TrimSpace(invocationID) == "" {
		return "", ErrBadInput
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", errors.New("callbind: payload is not valid JSON")
	}
	var b strings.Builder
	b.WriteString(serviceID)
	b.WriteString("|")
	b.WriteString(agentID)
	b.WriteString("|")
	b.WriteString(invocationID)
	b.WriteString("|")
	b.Write(canonical)
	sum := sha256.Sum256([]byte(b.String()))
	return Commitment("sha256:" + hex.EncodeToString(sum[:])), nil
}

// Verify recomputes the commitment and reports whether it matches. A delivery
// or settlement record whose echoed commitment fails Verify is unverifiable.
func Verify(c Commitment, serviceID, agentID, invocationID string, payload []byte) bool {
	want, err := Bind(serviceID, agentID, invocationID, payload)
	if err != nil {
		return false
	}
	return want == c
}
