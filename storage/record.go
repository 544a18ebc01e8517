package storage

import (
	"math/big"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
)

// Round records are stored as protobuf wire data, appended field by field so
// no generated code is needed. The schema is fixed:
//
//	field 1 (varint): round_id
//	field 2 (bytes):  price, big-endian magnitude
//	field 3 (varint): timestamp
//
// Fields are always written, in field order, so identical rounds encode to
// identical bytes. Unknown fields are skipped on decode, which leaves room
// to extend the record without migrating existing databases.
const (
	fieldRoundID   = 1
	fieldPrice     = 2
	fieldTimestamp = 3
)

func marshalRound(round oracle.Round) ([]byte, error) {
	if round.Price == nil {
		return nil, errors.New("cannot marshal round with nil price")
	}
	if round.Price.Sign() < 0 {
		return nil, errors.New("cannot marshal round with negative price")
	}
	b := protowire.AppendTag(nil, fieldRoundID, protowire.VarintType)
	b = protowire.AppendVarint(b, round.RoundID)
	b = protowire.AppendTag(b, fieldPrice, protowire.BytesType)
	b = protowire.AppendBytes(b, round.Price.Bytes())
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, round.Timestamp)
	return b, nil
}

func unmarshalRound(b []byte) (oracle.Round, error) {
	round := oracle.Round{Price: new(big.Int)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return oracle.Round{}, errors.Wrap(protowire.ParseError(n), "failed to decode round record tag")
		}
		b = b[n:]
		switch {
		case num == fieldRoundID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return oracle.Round{}, errors.Wrap(protowire.ParseError(n), "failed to decode round id")
			}
			round.RoundID = v
			b = b[n:]
		case num == fieldPrice && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return oracle.Round{}, errors.Wrap(protowire.ParseError(n), "failed to decode price")
			}
			round.Price.SetBytes(v)
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return oracle.Round{}, errors.Wrap(protowire.ParseError(n), "failed to decode timestamp")
			}
			round.Timestamp = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return oracle.Round{}, errors.Wrap(protowire.ParseError(n), "failed to skip unknown round record field")
			}
			b = b[n:]
		}
	}
	return round, nil
}
