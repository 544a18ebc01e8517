// Package reporter is the signing side of the protocol: it produces the
// 65-byte signatures the oracle verifies, bound to a specific chain and
// oracle instance.
package reporter

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
)

// Signer signs round digests with a secp256k1 key.
type Signer struct {
	key           *ecdsa.PrivateKey
	address       common.Address
	chainID       uint64
	oracleAddress common.Address
}

func NewSigner(key *ecdsa.PrivateKey, chainID uint64, oracleAddress common.Address) *Signer {
	return &Signer{
		key:           key,
		address:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		oracleAddress: oracleAddress,
	}
}

// NewSignerFromHex builds a Signer from a hex-encoded private key, with or
// without a 0x prefix.
func NewSignerFromHex(keyHex string, chainID uint64, oracleAddress common.Address) (*Signer, error) {
	if len(keyHex) >= 2 && keyHex[0:2] == "0x" {
		keyHex = keyHex[2:]
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(key, chainID, oracleAddress), nil
}

// Address returns the reporter address derived from the signing key.
func (s *Signer) Address() common.Address { return s.address }

// SignRound signs the canonical digest for (roundID, price, timestamp). The
// recovery selector of the returned signature is already normalized to
// {27,28}.
func (s *Signer) SignRound(roundID uint64, price *big.Int, timestamp uint64) (oracle.Signature, error) {
	digest := oracle.ReportDigest(s.chainID, s.oracleAddress, roundID, price, timestamp)
	raw, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return oracle.Signature{}, fmt.Errorf("failed to sign round %d: %w", roundID, err)
	}
	return oracle.ParseSignature(raw)
}

// SignReport has every signer co-sign the same round values and assembles
// the report with signatures in ascending signer-address order, the only
// order the oracle accepts. All signers must share the same chain and
// oracle identity.
func SignReport(roundID uint64, price *big.Int, timestamp uint64, signers ...*Signer) (oracle.Report, error) {
	sorted := make([]*Signer, len(signers))
	copy(sorted, signers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].address.Cmp(sorted[j].address) < 0
	})
	sigs := make([]oracle.Signature, len(sorted))
	for i, signer := range sorted {
		sig, err := signer.SignRound(roundID, price, timestamp)
		if err != nil {
			return oracle.Report{}, err
		}
		sigs[i] = sig
	}
	return oracle.Report{
		RoundID:    roundID,
		Price:      price,
		Timestamp:  timestamp,
		Signatures: sigs,
	}, nil
}
