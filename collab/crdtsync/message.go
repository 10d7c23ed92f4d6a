package crdtsync

import (
	"encoding/json"

	"github.com/pkg/errors"

	"diagramsync/collab/common"
	"diagramsync/collab/crdt"
)

// MessageType은 동기화 메시지 유형입니다.
type MessageType string

const (
	// MessageTypeSyncStep1은 상태 벡터를 보내 누락된 업데이트를 요청합니다.
	MessageTypeSyncStep1 MessageType = "sync_step1"
	// MessageTypeSyncStep2는 요청자가 갖지 않은 업데이트로 응답합니다.
	MessageTypeSyncStep2 MessageType = "sync_step2"
	// MessageTypeUpdate는 커밋된 로컬 트랜잭션을 전파합니다.
	MessageTypeUpdate MessageType = "update"
)

// SyncMessage는 룸의 문서 토픽에서 교환되는 메시지입니다.
type SyncMessage struct {
	Type MessageType      `json:"type"`
	From common.SessionID `json:"from"`
	// To가 설정되면 해당 세션만 메시지를 처리합니다.
	To          *common.SessionID `json:"to,omitempty"`
	StateVector crdt.StateVector  `json:"stateVector,omitempty"`
	Updates     []*crdt.Update    `json:"updates,omitempty"`
}

// IsFor는 메시지가 sid에게 전달된 것인지 확인합니다.
func (m *SyncMessage) IsFor(sid common.SessionID) bool {
	return m.To == nil || *m.To == sid
}

// EncodeMessage는 메시지를 JSON으로 직렬화합니다.
func EncodeMessage(m *SyncMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode sync message")
	}
	return data, nil
}

// DecodeMessage는 메시지를 역직렬화하고 검증합니다.
func DecodeMessage(data []byte) (*SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode sync message")
	}
	if m.From.IsNil() {
		return nil, errors.New("sync message without sender")
	}

	switch m.Type {
	case MessageTypeSyncStep1, MessageTypeSyncStep2, MessageTypeUpdate:
	default:
		return nil, errors.Errorf("unknown message type: %s", m.Type)
	}

	for _, u := range m.Updates {
		if err := u.Validate(); err != nil {
			return nil, errors.Wrap(err, "sync message carries an invalid update")
		}
	}
	return &m, nil
}
