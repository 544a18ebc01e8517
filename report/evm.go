package report

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/smartcontractkit/libocr/offchainreporting2/chains/evmutil"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
)

var PayloadTypes = getPayloadTypes()

func getPayloadTypes() abi.Arguments {
	mustNewType := func(t string) abi.Type {
		result, err := abi.NewType(t, "", []abi.ArgumentMarshaling{})
		if err != nil {
			panic(fmt.Sprintf("Unexpected error during abi.NewType: %s", err))
		}
		return result
	}
	return abi.Arguments([]abi.Argument{
		{Name: "roundId", Type: mustNewType("uint256")},
		{Name: "price", Type: mustNewType("uint256")},
		{Name: "timestamp", Type: mustNewType("uint256")},
		{Name: "rawRs", Type: mustNewType("bytes32[]")},
		{Name: "rawSs", Type: mustNewType("bytes32[]")},
		{Name: "rawVs", Type: mustNewType("bytes32")},
	})
}

// EVMCodec packs rounds and their signatures into the ABI payload an
// on-chain verifier consumes. The selector bytes ride in a fixed bytes32,
// which caps a payload at 32 signatures.
type EVMCodec struct{}

// Pack assembles the round values and signatures into a payload for
// verifying on-chain.
func (c EVMCodec) Pack(rep oracle.Report) ([]byte, error) {
	if rep.Price == nil {
		return nil, errors.New("missing price")
	}
	if len(rep.Signatures) > 32 {
		return nil, fmt.Errorf("too many signatures: %d, the payload holds at most 32", len(rep.Signatures))
	}
	var rs [][32]byte
	var ss [][32]byte
	var vs [32]byte
	for i, sig := range rep.Signatures {
		r, s, v, err := evmutil.SplitSignature(sig.Bytes())
		if err != nil {
			return nil, fmt.Errorf("error in SplitSignature: %w", err)
		}
		rs = append(rs, r)
		ss = append(ss, s)
		vs[i] = v
	}
	payload, err := PayloadTypes.Pack(
		new(big.Int).SetUint64(rep.RoundID),
		rep.Price,
		new(big.Int).SetUint64(rep.Timestamp),
		rs, ss, vs,
	)
	if err != nil {
		return nil, fmt.Errorf("abi.Pack failed; %w", err)
	}
	return payload, nil
}

// Unpack reverses Pack. Signature layout is validated while reassembling,
// so the returned report carries canonical signatures.
func (c EVMCodec) Unpack(b []byte) (rep oracle.Report, err error) {
	vals, err := PayloadTypes.Unpack(b)
	if err != nil {
		return rep, fmt.Errorf("abi.Unpack failed; %w", err)
	}
	roundID, ok := vals[0].(*big.Int)
	if !ok || !roundID.IsUint64() {
		return rep, fmt.Errorf("invalid roundId: %v", vals[0])
	}
	price, ok := vals[1].(*big.Int)
	if !ok {
		return rep, fmt.Errorf("invalid price: %v", vals[1])
	}
	timestamp, ok := vals[2].(*big.Int)
	if !ok || !timestamp.IsUint64() {
		return rep, fmt.Errorf("invalid timestamp: %v", vals[2])
	}
	rs, ok := vals[3].([][32]byte)
	if !ok {
		return rep, fmt.Errorf("invalid rawRs: %v", vals[3])
	}
	ss, ok := vals[4].([][32]byte)
	if !ok {
		return rep, fmt.Errorf("invalid rawSs: %v", vals[4])
	}
	vs, ok := vals[5].([32]byte)
	if !ok {
		return rep, fmt.Errorf("invalid rawVs: %v", vals[5])
	}
	if len(rs) != len(ss) || len(rs) > 32 {
		return rep, fmt.Errorf("mismatched signature components: %d rs, %d ss", len(rs), len(ss))
	}
	sigs := make([]oracle.Signature, len(rs))
	for i := range rs {
		raw := make([]byte, oracle.SignatureLength)
		copy(raw[:32], rs[i][:])
		copy(raw[32:64], ss[i][:])
		raw[64] = vs[i]
		sigs[i], err = oracle.ParseSignature(raw)
		if err != nil {
			return rep, fmt.Errorf("failed to reassemble signature %d: %w", i, err)
		}
	}
	return oracle.Report{
		RoundID:    roundID.Uint64(),
		Price:      price,
		Timestamp:  timestamp.Uint64(),
		Signatures: sigs,
	}, nil
}
