package protocol

// Builders for the transactions that skip the interactive handshake:
// one-sided payments and coinbase outputs.

// NewOneSidedTransaction constructs and signs a complete payment without any
// receiver interaction. The receiver's output key is derived from a shared
// secret so a scanning wallet can recognise the payment later.
func NewOneSidedTransaction(txID TxID, recipient Address, amount, fee Amount, inputs []TransactionInput, changeAmount Amount) (*Transaction, error) {
	excessKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}
	nonceKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}
	changeKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}

	recipientKey := DeriveSharedSecret(excessKey, PublicKey(recipient))

	outputs := []TransactionOutput{
		{
			Commitment: DeriveCommitment(recipientKey, amount),
			RangeProof: DeriveRangeProof(recipientKey, amount),
			ScriptKey:  recipientKey.PublicKey(),
		},
	}
	if changeAmount > 0 {
		outputs = append(outputs, TransactionOutput{
			Commitment: DeriveCommitment(changeKey, changeAmount),
			RangeProof: DeriveRangeProof(changeKey, changeAmount),
		})
	}

	challenge := Challenge(txID, amount, fee, 0)
	sig := SignChallenge(nonceKey.PublicKey(), excessKey.PublicKey(), challenge)

	return &Transaction{
		Offset:  BlindingFactor(excessKey),
		Inputs:  inputs,
		Outputs: outputs,
		Kernel: TransactionKernel{
			Fee:             fee,
			Excess:          CombineExcesses(excessKey.PublicKey(), nonceKey.PublicKey()),
			ExcessPublicKey: excessKey.PublicKey(),
			ExcessSignature: sig,
		},
	}, nil
}

// NewCoinbaseTransaction constructs the block-reward-claiming transaction
// for a specific height. The kernel lock height pins it to the block it pays
// out for.
func NewCoinbaseTransaction(txID TxID, amount Amount, blockHeight uint64) (*Transaction, error) {
	outputKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}
	nonceKey, err := NewSecretKey()
	if err != nil {
		return nil, err
	}

	challenge := Challenge(txID, amount, 0, blockHeight)

	return &Transaction{
		Offset: BlindingFactor(outputKey),
		Outputs: []TransactionOutput{
			{
				Features:   OutputFeaturesCoinbase,
				Commitment: DeriveCommitment(outputKey, amount),
				RangeProof: DeriveRangeProof(outputKey, amount),
			},
		},
		Kernel: TransactionKernel{
			Features:        KernelFeaturesCoinbase,
			LockHeight:      blockHeight,
			Excess:          CombineExcesses(outputKey.PublicKey(), nonceKey.PublicKey()),
			ExcessPublicKey: outputKey.PublicKey(),
			ExcessSignature: SignChallenge(nonceKey.PublicKey(), outputKey.PublicKey(), challenge),
		},
	}, nil
}
