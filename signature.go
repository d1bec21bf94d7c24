package smartaccount

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignerRecoverer returns the address that produced sig over digest, or the
// zero address when sig is malformed.
type SignerRecoverer func(digest common.Hash, sig []byte) common.Address

// RecoverSigner recovers the signer of a 65-byte (r, s, v) signature. It
// accepts v as 0/1 or 27/28 and rejects high-s values. Any failure yields the
// zero address instead of an error so that callers can map it to a failure
// sentinel.
func RecoverSigner(digest common.Hash, sig []byte) common.Address {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}
	}

	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	normalized[crypto.RecoveryIDOffset] = v

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(*pub)
}

// SignDigest signs digest with key and returns the signature with v in the
// 27/28 form on-chain verifiers expect.
func SignDigest(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
