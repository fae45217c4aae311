package breakglass

import (
	"crypto/sha256"
	"encoding/binary"
)

// RequestHash commits to every field of the request, so an approval
// signature over this hash cannot be replayed against a request for a
// different envelope, ruleset, purpose, or time bucket.
func (r UnlockRequest) RequestHash() [32]byte {
	h := sha256.New()
	h.Write([]byte(r.VaultEnvelopeID))
	h.Write(r.RulesetHash[:])
	h.Write([]byte(r.Purpose))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], r.TimeBucket.StartEpochS)
	h.Write(buf[:])
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], r.TimeBucket.SizeS)
	h.Write(sizeBuf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
