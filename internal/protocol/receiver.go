package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTransactionMismatch = errors.New("finalized transaction does not match negotiated state")
	ErrMissingOutput       = errors.New("finalized transaction is missing the receiver output")
)

type ReceiverStage int

const (
	ReceiverStageReplySent ReceiverStage = iota + 1
	ReceiverStageFinalized
)

func (s ReceiverStage) String() string {
	switch s {
	case ReceiverStageReplySent:
		return "reply_sent"
	case ReceiverStageFinalized:
		return "finalized"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ReceiverProtocol drives the receiving side: it is created from the
// sender's first message, produces the reply, then waits for the finalized
// transaction.
type ReceiverProtocol struct {
	Stage      ReceiverStage `json:"stage"`
	TxID       TxID          `json:"tx_id"`
	Source     Address       `json:"source"`
	Amount     Amount        `json:"amount"`
	Fee        Amount        `json:"fee"`
	LockHeight uint64        `json:"lock_height"`
	Message    string        `json:"message"`

	SenderNonce  PublicKey `json:"sender_nonce"`
	SenderExcess PublicKey `json:"sender_excess"`

	NonceKey  SecretKey `json:"nonce_key"`
	ExcessKey SecretKey `json:"excess_key"`
	OutputKey SecretKey `json:"output_key"`

	FinalTransaction *Transaction `json:"final_transaction,omitempty"`
}

func NewReceiverProtocol(source Address, msg *SenderMessage) (*ReceiverProtocol, error) {
	nonceKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}
	excessKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}
	outputKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}

	return &ReceiverProtocol{
		Stage:        ReceiverStageReplySent,
		TxID:         msg.TxID,
		Source:       source,
		Amount:       msg.Amount,
		Fee:          msg.Fee,
		LockHeight:   msg.LockHeight,
		Message:      msg.Message,
		SenderNonce:  msg.PublicNonce,
		SenderExcess: msg.PublicExcess,
		NonceKey:     nonceKey,
		ExcessKey:    excessKey,
		OutputKey:    outputKey,
	}, nil
}

// Output returns the receiver's own output for this payment.
func (p *ReceiverProtocol) Output() TransactionOutput {
	return TransactionOutput{
		Commitment: DeriveCommitment(p.OutputKey, p.Amount),
		RangeProof: DeriveRangeProof(p.OutputKey, p.Amount),
	}
}

// BuildReply produces the reply message. It is deterministic, so resending a
// reply after a dropped delivery yields the identical message.
func (p *ReceiverProtocol) BuildReply() *ReplyMessage {
	challenge := Challenge(p.TxID, p.Amount, p.Fee, p.LockHeight)

	return &ReplyMessage{
		TxID:             p.TxID,
		PublicNonce:      p.NonceKey.PublicKey(),
		PublicExcess:     p.ExcessKey.PublicKey(),
		PartialSignature: SignChallenge(p.NonceKey.PublicKey(), p.ExcessKey.PublicKey(), challenge),
		Output:           p.Output(),
	}
}

// ReceiveFinalizedTransaction validates the sender's finalized transaction
// against the negotiated state. On mismatch the protocol stays in its prior
// stage so a corrected message can still be accepted later.
func (p *ReceiverProtocol) ReceiveFinalizedTransaction(tx *Transaction) error {
	if p.Stage != ReceiverStageReplySent {
		return errors.Join(ErrInvalidStageTransition, fmt.Errorf("stage: %s", p.Stage))
	}
	if tx == nil {
		return ErrTransactionMismatch
	}
	if tx.Kernel.Fee != p.Fee {
		return errors.Join(ErrTransactionMismatch, fmt.Errorf("fee: got %d, want %d", tx.Kernel.Fee, p.Fee))
	}

	expectedExcess := CombineExcesses(p.SenderExcess, p.ExcessKey.PublicKey())
	if !tx.Kernel.Excess.Equal(expectedExcess) {
		return errors.Join(ErrTransactionMismatch, errors.New("kernel excess mismatch"))
	}

	if !tx.ContainsOutput(p.Output().Commitment) {
		return ErrMissingOutput
	}

	p.FinalTransaction = tx
	p.Stage = ReceiverStageFinalized
	return nil
}

// Transaction returns the validated finalized transaction.
func (p *ReceiverProtocol) Transaction() (*Transaction, error) {
	if p.Stage != ReceiverStageFinalized || p.FinalTransaction == nil {
		return nil, ErrNotFinalized
	}
	return p.FinalTransaction, nil
}

func (p *ReceiverProtocol) IsFinalized() bool {
	return p.Stage == ReceiverStageFinalized
}
