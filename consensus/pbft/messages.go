package pbft

import "github.com/ahwlsqja/pbft-ledger/types"

// NewPrePrepareMsg creates a PRE-PREPARE proposing value for (instance, round).
func NewPrePrepareMsg(senderID string, instance, round int, value *types.Block) *types.Message {
	return &types.Message{
		Type:     types.PrePrepare,
		SenderID: senderID,
		PrePrepare: &types.PrePrepareMsg{
			Instance: instance,
			Round:    round,
			Value:    value,
		},
	}
}

// NewPrepareMsg creates a PREPARE answering the PRE-PREPARE replyToID of replyTo.
func NewPrepareMsg(senderID string, instance, round int, value *types.Block, replyTo string, replyToID int64) *types.Message {
	return &types.Message{
		Type:     types.Prepare,
		SenderID: senderID,
		Prepare: &types.PrepareMsg{
			Instance:         instance,
			Round:            round,
			Value:            value,
			ReplyTo:          replyTo,
			ReplyToMessageID: replyToID,
		},
	}
}

// NewCommitMsg 새로운 커밋 메시지를 생성함
func NewCommitMsg(senderID string, instance, round int, value *types.Block, replyTo string, replyToID int64) *types.Message {
	return &types.Message{
		Type:     types.Commit,
		SenderID: senderID,
		Commit: &types.CommitMsg{
			Instance:         instance,
			Round:            round,
			Value:            value,
			ReplyTo:          replyTo,
			ReplyToMessageID: replyToID,
		},
	}
}

// NewRoundChangeMsg creates a ROUND-CHANGE to round carrying the prepared pair.
func NewRoundChangeMsg(senderID string, instance, round, preparedRound int, preparedValue *types.Block) *types.Message {
	return &types.Message{
		Type:     types.RoundChange,
		SenderID: senderID,
		RoundChange: &types.RoundChangeMsg{
			Instance:      instance,
			Round:         round,
			PreparedRound: preparedRound,
			PreparedValue: preparedValue,
		},
	}
}
