package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"realtime-service/internal/auth"
	"realtime-service/internal/broadcaster"
	"realtime-service/internal/models"
	"realtime-service/internal/push"
	"realtime-service/internal/repositories"
)

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) ValidateToken(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}

type PushStoreMock struct {
	mock.Mock
}

func (m *PushStoreMock) Subscribe(ctx context.Context, userID int, desc models.EndpointDescriptor) (models.PushSubscription, error) {
	args := m.Called(ctx, userID, desc)
	var sub models.PushSubscription
	if val := args.Get(0); val != nil {
		sub = val.(models.PushSubscription)
	}
	return sub, args.Error(1)
}

func (m *PushStoreMock) Unsubscribe(ctx context.Context, userID int, endpoint string) error {
	args := m.Called(ctx, userID, endpoint)
	return args.Error(0)
}

func (m *PushStoreMock) UnsubscribeAll(ctx context.Context, userID int) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *PushStoreMock) ListActive(ctx context.Context, userID int) ([]models.PushSubscription, error) {
	args := m.Called(ctx, userID)
	var subs []models.PushSubscription
	if val := args.Get(0); val != nil {
		subs = val.([]models.PushSubscription)
	}
	return subs, args.Error(1)
}

func (m *PushStoreMock) Deactivate(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *PushStoreMock) MarkUsed(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) Send(ctx context.Context, sub models.PushSubscription, n models.PushNotification) error {
	args := m.Called(ctx, sub, n)
	return args.Error(0)
}

type BanCheckerMock struct {
	mock.Mock
}

func (m *BanCheckerMock) IsBanned(ctx context.Context, userID int) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type ChatAccessMock struct {
	mock.Mock
}

func (m *ChatAccessMock) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

type PresenceMock struct {
	mock.Mock
}

func (m *PresenceMock) LiveCount(ctx context.Context, userID int) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type RelayMock struct {
	mock.Mock
}

func (m *RelayMock) Publish(ctx context.Context, d models.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Broadcast(ctx context.Context, event models.DomainEvent) broadcaster.Report {
	args := m.Called(ctx, event)
	var report broadcaster.Report
	if val := args.Get(0); val != nil {
		report = val.(broadcaster.Report)
	}
	return report
}

var _ auth.Verifier = (*VerifierMock)(nil)
var _ repositories.PushSubscriptionStore = (*PushStoreMock)(nil)
var _ repositories.BanChecker = (*BanCheckerMock)(nil)
var _ repositories.ChatAccess = (*ChatAccessMock)(nil)
var _ push.Sender = (*SenderMock)(nil)
var _ broadcaster.Presence = (*PresenceMock)(nil)
var _ broadcaster.Relay = (*RelayMock)(nil)
