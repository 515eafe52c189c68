package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingPayload     = errors.New("message payload missing for declared type")
)

type MessageType int

const (
	MessageTypeSender MessageType = iota + 1
	MessageTypeReply
	MessageTypeFinalized
	MessageTypeCancelled
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeSender:
		return "sender"
	case MessageTypeReply:
		return "reply"
	case MessageTypeFinalized:
		return "finalized"
	case MessageTypeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// SenderMessage is the first message of the handshake, sent by the party
// initiating a payment.
type SenderMessage struct {
	TxID         TxID      `json:"tx_id"`
	Amount       Amount    `json:"amount"`
	Fee          Amount    `json:"fee"`
	LockHeight   uint64    `json:"lock_height"`
	Message      string    `json:"message"`
	PublicNonce  PublicKey `json:"public_nonce"`
	PublicExcess PublicKey `json:"public_excess"`
}

// ReplyMessage is the receiver's answer carrying its output and partial
// signature.
type ReplyMessage struct {
	TxID             TxID              `json:"tx_id"`
	PublicNonce      PublicKey         `json:"public_nonce"`
	PublicExcess     PublicKey         `json:"public_excess"`
	PartialSignature Signature         `json:"partial_signature"`
	Output           TransactionOutput `json:"output"`
}

// FinalizedMessage carries the fully signed transaction back to the receiver.
type FinalizedMessage struct {
	TxID        TxID         `json:"tx_id"`
	Transaction *Transaction `json:"transaction"`
}

// CancelledMessage tells the counterparty a pending transaction was
// abandoned.
type CancelledMessage struct {
	TxID TxID `json:"tx_id"`
}

// Message is the envelope every protocol message travels in. Exactly one
// payload field matching Type is set.
type Message struct {
	ID        string            `json:"id"`
	Type      MessageType       `json:"type"`
	Source    Address           `json:"source"`
	Sender    *SenderMessage    `json:"sender,omitempty"`
	Reply     *ReplyMessage     `json:"reply,omitempty"`
	Finalized *FinalizedMessage `json:"finalized,omitempty"`
	Cancelled *CancelledMessage `json:"cancelled,omitempty"`
}

// Validate checks the envelope declares a known type and carries the
// matching payload.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeSender:
		if m.Sender == nil {
			return ErrMissingPayload
		}
	case MessageTypeReply:
		if m.Reply == nil {
			return ErrMissingPayload
		}
	case MessageTypeFinalized:
		if m.Finalized == nil {
			return ErrMissingPayload
		}
	case MessageTypeCancelled:
		if m.Cancelled == nil {
			return ErrMissingPayload
		}
	default:
		return errors.Join(ErrUnknownMessageType, fmt.Errorf("type: %d", int(m.Type)))
	}
	return nil
}

// MessageTxID returns the transaction id the message belongs to.
func (m *Message) MessageTxID() TxID {
	switch m.Type {
	case MessageTypeSender:
		return m.Sender.TxID
	case MessageTypeReply:
		return m.Reply.TxID
	case MessageTypeFinalized:
		return m.Finalized.TxID
	case MessageTypeCancelled:
		return m.Cancelled.TxID
	}
	return 0
}

func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(raw []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
