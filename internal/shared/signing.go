package shared

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DigestResult computes the canonical content digest of a produced result
// reference. Multiple domains committing the same digest proves they agree on
// what was produced, not merely that something was.
func DigestResult(resultRef string) string {
	sum := sha256.Sum256([]byte(resultRef))
	return hex.EncodeToString(sum[:])
}

// SignVote computes the vote signature over the fields that define the vote's
// identity and verdict. All voters share one swarm secret; the signature
// guards against corruption in transit or storage, not against the voters
// themselves.
func SignVote(secret string, v Vote) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%d|%s|%s|%s", v.TaskID, v.Attempts, v.Domain, v.Decision, v.ResultDigest)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyVote reports whether the vote's signature matches its contents under
// the given secret. A vote with an empty signature never verifies.
func VerifyVote(secret string, v Vote) bool {
	if v.Signature == "" {
		return false
	}
	expected := SignVote(secret, v)
	return hmac.Equal([]byte(expected), []byte(v.Signature))
}
