package oracle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the exact encoded size accepted from reporters: 32-byte
// R, 32-byte S and a one-byte recovery selector V.
const SignatureLength = 65

// Signature is a compact secp256k1 signature with the recovery selector
// held in the {27,28} convention. Raw bytes are decoded and canonicalized
// exactly once, by ParseSignature; downstream code never re-parses the
// layout.
type Signature [SignatureLength]byte

// ParseSignature decodes a raw signature. Any length other than 65 bytes is
// rejected. A selector in {0,1} is normalized to {27,28}; selectors outside
// {0,1,27,28} are rejected.
func ParseSignature(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureLength {
		return sig, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(b))
	}
	copy(sig[:], b)
	switch sig[64] {
	case 0, 1:
		sig[64] += 27
	case 27, 28:
	default:
		return sig, fmt.Errorf("%w: recovery selector %d out of range", ErrInvalidSignature, sig[64])
	}
	return sig, nil
}

// RecoverSigner performs public key recovery against digest and returns the
// address that produced the signature. The address is only meaningful when
// err is nil; a failed recovery is always an explicit error, never a zero
// address posing as a signer.
func (s Signature) RecoverSigner(digest common.Hash) (common.Address, error) {
	switch s[64] {
	case 27, 28:
	default:
		return common.Address{}, fmt.Errorf("%w: recovery selector %d out of range", ErrInvalidSignature, s[64])
	}
	// crypto.SigToPub wants the selector in {0,1}
	raw := make([]byte, SignatureLength)
	copy(raw, s[:])
	raw[64] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (s Signature) Bytes() []byte { return s[:] }

func (s Signature) String() string { return hexutil.Encode(s[:]) }
