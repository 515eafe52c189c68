package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStageTransition = errors.New("operation not valid in current protocol stage")
	ErrTxIDMismatch           = errors.New("message tx id does not match protocol tx id")
	ErrInvalidSignature       = errors.New("partial signature failed verification")
	ErrNotFinalized           = errors.New("protocol has not been finalized")
)

type SenderStage int

const (
	SenderStageInitialized SenderStage = iota + 1
	SenderStageWaitingReply
	SenderStageFinalized
)

func (s SenderStage) String() string {
	switch s {
	case SenderStageInitialized:
		return "initialized"
	case SenderStageWaitingReply:
		return "waiting_reply"
	case SenderStageFinalized:
		return "finalized"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// SenderProtocol drives the sending side of the handshake:
// Initialized -> (build first message) -> WaitingReply -> (valid reply)
// -> Finalized. Advancing with invalid input never mutates state.
type SenderProtocol struct {
	Stage        SenderStage        `json:"stage"`
	TxID         TxID               `json:"tx_id"`
	Recipient    Address            `json:"recipient"`
	Amount       Amount             `json:"amount"`
	Fee          Amount             `json:"fee"`
	LockHeight   uint64             `json:"lock_height"`
	Message      string             `json:"message"`
	NonceKey     SecretKey          `json:"nonce_key"`
	ExcessKey    SecretKey          `json:"excess_key"`
	Inputs       []TransactionInput `json:"inputs"`
	ChangeKey    SecretKey          `json:"change_key"`
	ChangeAmount Amount             `json:"change_amount"`

	// populated once the reply arrives
	ReceiverNonce     PublicKey          `json:"receiver_nonce,omitempty"`
	ReceiverExcess    PublicKey          `json:"receiver_excess,omitempty"`
	ReceiverSignature Signature          `json:"receiver_signature,omitempty"`
	ReceiverOutput    *TransactionOutput `json:"receiver_output,omitempty"`

	FinalTransaction *Transaction `json:"final_transaction,omitempty"`
}

func NewSenderProtocol(txID TxID, recipient Address, amount, fee Amount, message string, inputs []TransactionInput, changeAmount Amount) (*SenderProtocol, error) {
	nonceKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}
	excessKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}
	changeKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}

	return &SenderProtocol{
		Stage:        SenderStageInitialized,
		TxID:         txID,
		Recipient:    recipient,
		Amount:       amount,
		Fee:          fee,
		Message:      message,
		NonceKey:     nonceKey,
		ExcessKey:    excessKey,
		Inputs:       inputs,
		ChangeKey:    changeKey,
		ChangeAmount: changeAmount,
	}, nil
}

// BuildSenderMessage produces the handshake's first message and moves the
// protocol to WaitingReply. Calling it again while still waiting returns the
// identical message, so resends are safe.
func (p *SenderProtocol) BuildSenderMessage() (*SenderMessage, error) {
	if p.Stage != SenderStageInitialized && p.Stage != SenderStageWaitingReply {
		return nil, errors.Join(ErrInvalidStageTransition, fmt.Errorf("stage: %s", p.Stage))
	}

	p.Stage = SenderStageWaitingReply

	return &SenderMessage{
		TxID:         p.TxID,
		Amount:       p.Amount,
		Fee:          p.Fee,
		LockHeight:   p.LockHeight,
		Message:      p.Message,
		PublicNonce:  p.NonceKey.PublicKey(),
		PublicExcess: p.ExcessKey.PublicKey(),
	}, nil
}

// ReceiveReply validates the receiver's reply and finalizes the transaction.
func (p *SenderProtocol) ReceiveReply(reply *ReplyMessage) error {
	if p.Stage != SenderStageWaitingReply {
		return errors.Join(ErrInvalidStageTransition, fmt.Errorf("stage: %s", p.Stage))
	}
	if reply.TxID != p.TxID {
		return ErrTxIDMismatch
	}

	challenge := Challenge(p.TxID, p.Amount, p.Fee, p.LockHeight)
	if !VerifyChallenge(reply.PartialSignature, reply.PublicNonce, reply.PublicExcess, challenge) {
		return ErrInvalidSignature
	}

	p.ReceiverNonce = reply.PublicNonce
	p.ReceiverExcess = reply.PublicExcess
	p.ReceiverSignature = reply.PartialSignature
	output := reply.Output
	p.ReceiverOutput = &output

	p.finalize(challenge)
	return nil
}

func (p *SenderProtocol) finalize(challenge []byte) {
	senderSig := SignChallenge(p.NonceKey.PublicKey(), p.ExcessKey.PublicKey(), challenge)

	outputs := []TransactionOutput{*p.ReceiverOutput}
	if p.ChangeAmount > 0 {
		outputs = append(outputs, TransactionOutput{
			Commitment: DeriveCommitment(p.ChangeKey, p.ChangeAmount),
			RangeProof: DeriveRangeProof(p.ChangeKey, p.ChangeAmount),
		})
	}

	p.FinalTransaction = &Transaction{
		Offset:  BlindingFactor(p.ExcessKey),
		Inputs:  p.Inputs,
		Outputs: outputs,
		Kernel: TransactionKernel{
			Fee:             p.Fee,
			LockHeight:      p.LockHeight,
			Excess:          CombineExcesses(p.ExcessKey.PublicKey(), p.ReceiverExcess),
			ExcessPublicKey: p.ExcessKey.PublicKey(),
			ExcessSignature: CombineSignatures(senderSig, p.ReceiverSignature),
		},
	}
	p.Stage = SenderStageFinalized
}

// Transaction returns the finalized transaction.
func (p *SenderProtocol) Transaction() (*Transaction, error) {
	if p.Stage != SenderStageFinalized || p.FinalTransaction == nil {
		return nil, ErrNotFinalized
	}
	return p.FinalTransaction, nil
}

// IsFinalized reports whether the handshake completed.
func (p *SenderProtocol) IsFinalized() bool {
	return p.Stage == SenderStageFinalized
}
