// Copyright 2023 The DAP Aggregation Service Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vdaf implements the verifiable distributed aggregation function
// used by the two aggregators.
//
// Measurements are split into two additive shares mod 2^64, one per
// aggregator. Preparation is a two-step handshake: each aggregator derives a
// verifier share from the shared verify key, the leader combines the verifier
// shares into a preparation message, and each side finishes by checking the
// message against its own verifier before releasing an output share. Numbers
// recombine by addition, so neither share alone reveals the measurement.
package vdaf

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"lukechampine.com/uint128"

	"github.com/opendap/dap-aggregation-service/shared/utils"
)

// Verification and codec errors.
var (
	ErrVerify = errors.New("vdaf: verification failed")
	ErrDecode = errors.New("vdaf: malformed share")
)

// Type enumerates the supported aggregation functions.
type Type uint32

const (
	TypeCount Type = iota
	TypeSum
	TypeHistogram
)

func (t Type) String() string {
	switch t {
	case TypeCount:
		return "count"
	case TypeSum:
		return "sum"
	case TypeHistogram:
		return "histogram"
	default:
		return fmt.Sprintf("vdaf(%d)", uint32(t))
	}
}

// VerifyKeySize is the size of the preparation verify key shared by the two
// aggregators.
const VerifyKeySize = 16

// VerifyKey is the shared secret both aggregators use to derive verifier
// shares during preparation.
type VerifyKey [VerifyKeySize]byte

// Config selects the aggregation function and its parameters.
type Config struct {
	Type Type
	// SumBits bounds sum measurements to [0, 2^SumBits).
	SumBits int
	// Buckets are the histogram bucket keys, ascending.
	Buckets []uint128.Uint128
}

// Validate checks the configuration parameters.
func (c Config) Validate() error {
	switch c.Type {
	case TypeCount:
	case TypeSum:
		if c.SumBits <= 0 || c.SumBits > 64 {
			return fmt.Errorf("sum bits must be in [1, 64], got %d", c.SumBits)
		}
	case TypeHistogram:
		if len(c.Buckets) == 0 {
			return errors.New("expect nonempty histogram buckets")
		}
		for i := 1; i < len(c.Buckets); i++ {
			if c.Buckets[i].Cmp(c.Buckets[i-1]) <= 0 {
				return errors.New("histogram buckets should be in ascending order")
			}
		}
	default:
		return fmt.Errorf("unknown vdaf type %d", c.Type)
	}
	return nil
}

// length is the number of uint64 lanes in shares and aggregates.
func (c Config) length() int {
	if c.Type == TypeHistogram {
		// One extra lane counts values above the last bucket key.
		return len(c.Buckets) + 1
	}
	return 1
}

// bucketIndex maps a histogram key to its lane.
func (c Config) bucketIndex(key uint128.Uint128) int {
	for i, b := range c.Buckets {
		if key.Cmp(b) <= 0 {
			return i
		}
	}
	return len(c.Buckets)
}

// Measurement is one client contribution. Value is used by count and sum,
// Bucket by histogram.
type Measurement struct {
	Value  uint64
	Bucket uint128.Uint128
}

// inputShare is the decoded form of one aggregator's input share.
type inputShare struct {
	Vec []uint64
	// Tag binds the two shares of a report together; both aggregators must
	// hold the same tag for preparation to succeed.
	Tag []byte
}

func (c Config) encodeVector(m Measurement) ([]uint64, error) {
	vec := make([]uint64, c.length())
	switch c.Type {
	case TypeCount:
		if m.Value > 1 {
			return nil, fmt.Errorf("count measurement must be 0 or 1, got %d", m.Value)
		}
		vec[0] = m.Value
	case TypeSum:
		if c.SumBits < 64 && m.Value >= 1<<uint(c.SumBits) {
			return nil, fmt.Errorf("sum measurement %d overflows %d bits", m.Value, c.SumBits)
		}
		vec[0] = m.Value
	case TypeHistogram:
		vec[c.bucketIndex(m.Bucket)] = 1
	}
	return vec, nil
}

// Shard splits a measurement into a public share and one input share per
// aggregator (leader first). The input shares are opaque byte strings ready
// for HPKE encryption.
func Shard(c Config, m Measurement, nonce []byte) (publicShare []byte, shares [][]byte, err error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	vec, err := c.encodeVector(m)
	if err != nil {
		return nil, nil, err
	}

	leader := make([]uint64, len(vec))
	helper := make([]uint64, len(vec))
	buf := make([]byte, 8)
	for i, v := range vec {
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, err
		}
		r := binary.BigEndian.Uint64(buf)
		leader[i] = r
		// Overflow is intended: the shares recombine mod 2^64.
		helper[i] = v - r
	}

	tag := jointTag(nonce, vec)
	leaderBytes, err := utils.MarshalCBOR(&inputShare{Vec: leader, Tag: tag})
	if err != nil {
		return nil, nil, err
	}
	helperBytes, err := utils.MarshalCBOR(&inputShare{Vec: helper, Tag: tag})
	if err != nil {
		return nil, nil, err
	}
	return nil, [][]byte{leaderBytes, helperBytes}, nil
}

// jointTag is the consistency tag both shares of a report carry. It commits
// to the full measurement vector and the report nonce without revealing
// either to an aggregator holding only one share.
func jointTag(nonce []byte, vec []uint64) []byte {
	h := blake3.New()
	h.Write(nonce)
	buf := make([]byte, 8)
	for _, v := range vec {
		binary.BigEndian.PutUint64(buf, v)
		h.Write(buf)
	}
	return h.Sum(nil)[:16]
}

// PrepareState holds one aggregator's in-flight preparation for one report.
// It is security sensitive and must be discarded once preparation finishes.
type PrepareState struct {
	OutputShare []uint64
	Verifier    []byte
}

// PrepareInit decodes an input share and produces the aggregator's
// first-round preparation share. nonce must bind the task, report and
// aggregation parameters so a share cannot be replayed across contexts.
func PrepareInit(c Config, key VerifyKey, nonce, publicShare, encodedShare []byte) (*PrepareState, []byte, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	var share inputShare
	if err := utils.UnmarshalCBOR(encodedShare, &share); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(share.Vec) != c.length() {
		return nil, nil, fmt.Errorf("%w: expect %d lanes, got %d", ErrDecode, c.length(), len(share.Vec))
	}

	verifier := verifierShare(key, nonce, share.Tag)
	state := &PrepareState{
		OutputShare: share.Vec,
		Verifier:    verifier,
	}
	return state, verifier, nil
}

// verifierShare derives the preparation share from the verify key. Two
// aggregators holding consistent input shares derive identical values.
func verifierShare(key VerifyKey, nonce, tag []byte) []byte {
	var derived [32]byte
	blake3.DeriveKey("dap-aggregation-service vdaf verify", key[:], derived[:])
	h, _ := blake3.NewKeyed(derived[:])
	h.Write(nonce)
	h.Write(tag)
	return h.Sum(nil)[:16]
}

// PrepareSharesToPrepareMessage combines the aggregators' preparation shares
// into the round-2 preparation message. Mismatched shares mean the two sides
// hold inconsistent input shares and the report is rejected.
func PrepareSharesToPrepareMessage(c Config, prepShares [][]byte) ([]byte, error) {
	if len(prepShares) == 0 {
		return nil, fmt.Errorf("%w: no preparation shares", ErrDecode)
	}
	first := prepShares[0]
	for _, s := range prepShares[1:] {
		if !bytesEqual(first, s) {
			return nil, ErrVerify
		}
	}
	msg := make([]byte, len(first))
	copy(msg, first)
	return msg, nil
}

// PrepareFinish checks the preparation message against the local verifier and
// releases the output share. The state must not be reused afterwards.
func PrepareFinish(state *PrepareState, prepMessage []byte) ([]uint64, error) {
	if !bytesEqual(state.Verifier, prepMessage) {
		return nil, ErrVerify
	}
	out := state.OutputShare
	state.OutputShare = nil
	state.Verifier = nil
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// AggregateShare is the running combination of output shares for a batch.
type AggregateShare struct {
	Vec []uint64
}

// NewAggregateShare returns an empty aggregate for the configuration.
func NewAggregateShare(c Config) *AggregateShare {
	return &AggregateShare{Vec: make([]uint64, c.length())}
}

// AccumulateOutputShare folds one report's output share into the aggregate.
func (a *AggregateShare) AccumulateOutputShare(out []uint64) error {
	if len(out) != len(a.Vec) {
		return fmt.Errorf("expect output share of %d lanes, got %d", len(a.Vec), len(out))
	}
	for i, v := range out {
		a.Vec[i] += v
	}
	return nil
}

// Merge combines another aggregate share for a disjoint report set.
func (a *AggregateShare) Merge(other *AggregateShare) error {
	if len(other.Vec) != len(a.Vec) {
		return fmt.Errorf("expect aggregate share of %d lanes, got %d", len(a.Vec), len(other.Vec))
	}
	for i, v := range other.Vec {
		a.Vec[i] += v
	}
	return nil
}

// Clone returns an independent copy of the aggregate share.
func (a *AggregateShare) Clone() *AggregateShare {
	vec := make([]uint64, len(a.Vec))
	copy(vec, a.Vec)
	return &AggregateShare{Vec: vec}
}

// Encode serializes the aggregate share.
func (a *AggregateShare) Encode() ([]byte, error) { return utils.MarshalCBOR(a) }

// DecodeAggregateShare parses an encoded aggregate share.
func DecodeAggregateShare(c Config, b []byte) (*AggregateShare, error) {
	a := &AggregateShare{}
	if err := utils.UnmarshalCBOR(b, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(a.Vec) != c.length() {
		return nil, fmt.Errorf("%w: expect %d lanes, got %d", ErrDecode, c.length(), len(a.Vec))
	}
	return a, nil
}

// Result is the unsharded aggregate visible to the collector.
type Result struct {
	// Value is set for count and sum.
	Value uint64
	// Histogram maps each configured bucket key (plus the overflow lane in
	// the final position) to its count, aligned with Config.Buckets.
	Histogram []uint64
}

// Unshard combines the aggregators' aggregate shares into the final result.
func Unshard(c Config, shares []*AggregateShare, reportCount uint64) (*Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	total := NewAggregateShare(c)
	for _, s := range shares {
		if err := total.Merge(s); err != nil {
			return nil, err
		}
	}
	switch c.Type {
	case TypeCount:
		if total.Vec[0] > reportCount {
			return nil, fmt.Errorf("count %d exceeds report count %d", total.Vec[0], reportCount)
		}
		return &Result{Value: total.Vec[0]}, nil
	case TypeSum:
		return &Result{Value: total.Vec[0]}, nil
	default:
		return &Result{Histogram: total.Vec}, nil
	}
}
