/**
 * @description
 * This package derives and validates external Argus operator addresses. An
 * address is a one-way, deterministic mapping from the internal account id:
 * the first 20 bytes of the id's SHA-256 digest, Bech32-encoded under the
 * `arg` human-readable prefix. The prefix distinguishes Argus addresses from
 * other namespaces (e.g. 0x Ethereum addresses) at a glance.
 *
 * @dependencies
 * - crypto/sha256: Standard Go library.
 * - github.com/btcsuite/btcd/btcutil/bech32: Bech32 encoding.
 */

package address

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Prefix is the human-readable part shared by every Argus address.
const Prefix = "arg"

// PayloadLen is the fixed byte length of the hashed address payload.
const PayloadLen = 20

// treasuryID seeds the network treasury address, the counterparty recorded on
// mint debits and reward audit entries.
const treasuryID = "argus:network:treasury"

// Derive maps an internal account id to its external address. The mapping is
// deterministic and one-way: the same id always yields the same address, and
// distinct ids collide only with negligible probability.
func Derive(accountID string) string {
	sum := sha256.Sum256([]byte(accountID))
	words, err := bech32.ConvertBits(sum[:PayloadLen], 8, 5, true)
	if err != nil {
		// Unreachable: 8-to-5 regrouping with padding cannot fail.
		return ""
	}
	encoded, err := bech32.Encode(Prefix, words)
	if err != nil {
		// Unreachable: the prefix and payload length are fixed and valid.
		return ""
	}
	return encoded
}

// IsValid reports whether the string is a structurally valid Argus address:
// correct prefix, decodable Bech32 payload, and exactly PayloadLen bytes of
// data. It never panics and returns false on any malformed input.
func IsValid(addr string) bool {
	hrp, words, err := bech32.Decode(addr)
	if err != nil || hrp != Prefix {
		return false
	}
	payload, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return false
	}
	return len(payload) == PayloadLen
}

// Treasury returns the network treasury address.
func Treasury() string {
	return Derive(treasuryID)
}
