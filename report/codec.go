// Package report contains the wire codecs for round submissions.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
)

// Codec encodes submissions for a transport and decodes them on the
// receiving side. Decode validates signature layout once, at the boundary,
// so downstream code never re-parses raw signature bytes.
type Codec interface {
	Encode(rep oracle.Report) ([]byte, error)
	Decode(b []byte) (oracle.Report, error)
}

var _ Codec = JSONCodec{}

// JSONCodec is the chain-agnostic reference codec. The NATS and HTTP
// submission paths both speak it.
type JSONCodec struct{}

func (c JSONCodec) Encode(rep oracle.Report) ([]byte, error) {
	type encode struct {
		RoundID    uint64          `json:"roundId"`
		Price      *hexutil.Big    `json:"price"`
		Timestamp  uint64          `json:"timestamp"`
		Signatures []hexutil.Bytes `json:"signatures"`
	}
	if rep.Price == nil {
		return nil, errors.New("missing price")
	}
	sigs := make([]hexutil.Bytes, len(rep.Signatures))
	for i, sig := range rep.Signatures {
		sigs[i] = sig.Bytes()
	}
	e := encode{
		RoundID:    rep.RoundID,
		Price:      (*hexutil.Big)(rep.Price),
		Timestamp:  rep.Timestamp,
		Signatures: sigs,
	}
	return json.Marshal(e)
}

func (c JSONCodec) Decode(b []byte) (rep oracle.Report, err error) {
	type decode struct {
		RoundID    uint64          `json:"roundId"`
		Price      *hexutil.Big    `json:"price"`
		Timestamp  uint64          `json:"timestamp"`
		Signatures []hexutil.Bytes `json:"signatures"`
	}
	d := decode{}
	if err = json.Unmarshal(b, &d); err != nil {
		return rep, fmt.Errorf("failed to decode report: expected JSON (got: %s); %w", b, err)
	}
	if d.Price == nil {
		return rep, errors.New("missing price")
	}
	sigs := make([]oracle.Signature, len(d.Signatures))
	for i := range d.Signatures {
		sigs[i], err = oracle.ParseSignature(d.Signatures[i])
		if err != nil {
			return rep, fmt.Errorf("failed to decode signature %d: %w", i, err)
		}
	}
	return oracle.Report{
		RoundID:    d.RoundID,
		Price:      (*big.Int)(d.Price),
		Timestamp:  d.Timestamp,
		Signatures: sigs,
	}, nil
}
