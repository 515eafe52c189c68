// Package protocol implements the per-transaction negotiation state machines
// of the interactive send/receive handshake, plus the domain primitives the
// rest of the wallet shares. The cryptographic primitives themselves
// (commitments, range proofs, signature math) are consumed as opaque
// operations in crypto.go and are not reimplemented here.
package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
)

var ErrInvalidAmount = errors.New("amount must be non-negative and fit a signed 64-bit integer")

// TxID uniquely identifies a logical transaction for its whole life. IDs are
// generated randomly and never reused.
type TxID uint64

// NewTxID draws a fresh random transaction identifier.
func NewTxID() (TxID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return TxID(binary.BigEndian.Uint64(buf[:])), nil
}

// Amount is a µMW value. Domain values are unsigned but must fit a signed
// 64-bit integer because the store persists them as such.
type Amount uint64

func (a Amount) Validate() error {
	if a > 1<<63-1 {
		return ErrInvalidAmount
	}
	return nil
}

// Address is a wallet's public network address, opaque to this service.
type Address string

type PublicKey []byte

type SecretKey []byte

type Signature []byte

type Commitment []byte

type BlindingFactor []byte

func (s Signature) Equal(other Signature) bool {
	return bytes.Equal(s, other)
}

func (c Commitment) Equal(other Commitment) bool {
	return bytes.Equal(c, other)
}

type OutputFeatures int

const (
	OutputFeaturesDefault OutputFeatures = iota
	OutputFeaturesCoinbase
)

type KernelFeatures int

const (
	KernelFeaturesDefault KernelFeatures = iota
	KernelFeaturesCoinbase
)

// TransactionInput spends an output. Features mirror the spent output's so
// maturity rules on coinbase outputs follow the spend.
type TransactionInput struct {
	Features   OutputFeatures `json:"features"`
	Commitment Commitment     `json:"commitment"`
}

type TransactionOutput struct {
	Features   OutputFeatures `json:"features"`
	Commitment Commitment     `json:"commitment"`
	RangeProof []byte         `json:"range_proof"`

	// ScriptKey is set on one-sided payment outputs so the receiving wallet
	// can recognise them while scanning.
	ScriptKey PublicKey `json:"script_key,omitempty"`
}

// TransactionKernel carries the excess proving inputs and outputs balance.
type TransactionKernel struct {
	Features        KernelFeatures `json:"features"`
	Fee             Amount         `json:"fee"`
	LockHeight      uint64         `json:"lock_height"`
	Excess          Commitment     `json:"excess"`
	ExcessPublicKey PublicKey      `json:"excess_public_key"`
	ExcessSignature Signature      `json:"excess_signature"`
}

// Transaction is a fully signed transaction ready for chain submission.
type Transaction struct {
	Offset  BlindingFactor      `json:"offset"`
	Inputs  []TransactionInput  `json:"inputs"`
	Outputs []TransactionOutput `json:"outputs"`
	Kernel  TransactionKernel   `json:"kernel"`
}

// FirstKernelSignature is the signature the chain indexes the transaction by.
func (t *Transaction) FirstKernelSignature() Signature {
	return t.Kernel.ExcessSignature
}

// BodyMatches reports whether other carries the same kernel excess and the
// same output set, in any order. Used to validate a finalized transaction
// received from a counterparty against the locally negotiated one.
func (t *Transaction) BodyMatches(other *Transaction) bool {
	if other == nil {
		return false
	}
	if !t.Kernel.Excess.Equal(other.Kernel.Excess) {
		return false
	}
	if len(t.Outputs) != len(other.Outputs) {
		return false
	}
	for _, out := range t.Outputs {
		if !containsOutput(other.Outputs, out.Commitment) {
			return false
		}
	}
	return true
}

// ContainsOutput reports whether the transaction spends to the given
// commitment.
func (t *Transaction) ContainsOutput(commitment Commitment) bool {
	return containsOutput(t.Outputs, commitment)
}

func containsOutput(outputs []TransactionOutput, commitment Commitment) bool {
	for _, out := range outputs {
		if out.Commitment.Equal(commitment) {
			return true
		}
	}
	return false
}

const (
	weightPerInput  = 1
	weightPerOutput = 13
	weightPerKernel = 3
)

// CalculateFee computes the deterministic fee for a transaction shape.
func CalculateFee(feePerGram Amount, numInputs, numOutputs, numKernels int) Amount {
	weight := numInputs*weightPerInput + numOutputs*weightPerOutput + numKernels*weightPerKernel
	return feePerGram * Amount(weight)
}
