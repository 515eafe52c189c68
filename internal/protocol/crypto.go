package protocol

// Opaque stand-ins for the wallet's cryptographic primitives. The negotiation
// state machines only need sign, verify, derive and combine operations with
// stable deterministic results; the underlying commitment and range-proof
// math lives outside this service and is consumed through these helpers.

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
)

const secretKeySize = 32

func NewSecretKey() (SecretKey, error) {
	key := make([]byte, secretKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (k SecretKey) PublicKey() PublicKey {
	return digest("public-key", k)
}

// DeriveCommitment produces the Pedersen commitment for a value under a
// blinding key.
func DeriveCommitment(key SecretKey, value Amount) Commitment {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	return Commitment(digest("commitment", key, buf[:]))
}

// DeriveRangeProof produces the range proof attached to an output.
func DeriveRangeProof(key SecretKey, value Amount) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	return digest("range-proof", key, buf[:])
}

// SignChallenge produces a partial signature over a challenge binding the
// party's public nonce and public excess.
func SignChallenge(nonce, excess PublicKey, challenge []byte) Signature {
	return Signature(digest("signature", nonce, excess, challenge))
}

// VerifyChallenge checks a partial signature against the public data it was
// produced from.
func VerifyChallenge(sig Signature, nonce, excess PublicKey, challenge []byte) bool {
	return sig.Equal(SignChallenge(nonce, excess, challenge))
}

// CombineSignatures aggregates the two partial signatures into the kernel
// signature.
func CombineSignatures(sender, receiver Signature) Signature {
	return Signature(digest("aggregate-signature", sender, receiver))
}

// CombineExcesses aggregates both parties' public excess into the kernel
// excess commitment.
func CombineExcesses(sender, receiver PublicKey) Commitment {
	return Commitment(digest("aggregate-excess", sender, receiver))
}

// Challenge binds the transaction metadata both parties sign.
func Challenge(txID TxID, amount, fee Amount, lockHeight uint64) []byte {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(txID))
	binary.BigEndian.PutUint64(buf[8:], uint64(amount))
	binary.BigEndian.PutUint64(buf[16:], uint64(fee))
	binary.BigEndian.PutUint64(buf[24:], lockHeight)
	return digest("challenge", buf[:])
}

// DeriveSharedSecret derives the one-sided payment key the sender and the
// scanning receiver can both compute.
func DeriveSharedSecret(key SecretKey, counterparty PublicKey) SecretKey {
	return SecretKey(digest("shared-secret", key, counterparty))
}

func digest(tag string, parts ...[]byte) []byte {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}
