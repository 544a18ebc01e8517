package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ReportDigest builds the canonical digest that reporters sign for one
// round. The preimage is the packed concatenation
//
//	chainID   uint256
//	oracle    address (20 bytes)
//	roundID   uint256
//	price     uint256
//	timestamp uint256
//
// hashed with keccak256 and then wrapped in the EIP-191 personal-message
// envelope. Baking the chain and oracle identity into the digest stops a
// signature gathered for one instance from being replayed against another
// network or oracle.
func ReportDigest(chainID uint64, oracle common.Address, roundID uint64, price *big.Int, timestamp uint64) common.Hash {
	buf := make([]byte, 0, 4*32+common.AddressLength)
	buf = append(buf, math.U256Bytes(new(big.Int).SetUint64(chainID))...)
	buf = append(buf, oracle.Bytes()...)
	buf = append(buf, math.U256Bytes(new(big.Int).SetUint64(roundID))...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(price))...)
	buf = append(buf, math.U256Bytes(new(big.Int).SetUint64(timestamp))...)
	inner := crypto.Keccak256(buf)
	return common.BytesToHash(accounts.TextHash(inner))
}
