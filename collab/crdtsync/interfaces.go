package crdtsync

import (
	"context"

	"diagramsync/collab/awareness"
)

// Status는 룸 채널과의 동기화 상태입니다.
type Status string

const (
	// StatusDisconnected는 연결 전이거나 연결이 끊긴 상태입니다.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting은 상태 벡터 교환을 기다리는 상태입니다.
	StatusConnecting Status = "connecting"
	// StatusSynced는 룸의 다른 피어와 초기 교환을 마친 상태입니다.
	StatusSynced Status = "synced"
)

// Adapter는 문서 하나를 룸 채널에 연결합니다.
type Adapter interface {
	// Connect는 룸에 참여하고 초기 동기화를 시작합니다.
	Connect(ctx context.Context) error

	// Close는 문서 옵저버를 먼저 해제한 뒤 채널 구독을 종료합니다.
	Close() error

	// Status는 현재 상태를 반환합니다.
	Status() Status

	// OnStatus는 상태 변경 리스너를 등록합니다.
	OnStatus(fn func(Status)) func()

	// OnFirstSync는 첫 전체 동기화 시 한 번만 호출될 함수를 등록합니다.
	OnFirstSync(fn func())

	// WaitSynced는 첫 동기화가 끝나거나 ctx가 취소될 때까지 기다립니다.
	WaitSynced(ctx context.Context) error

	// Awareness는 접속자 정보를 반환합니다.
	Awareness() *awareness.Awareness
}

var _ Adapter = (*Provider)(nil)
