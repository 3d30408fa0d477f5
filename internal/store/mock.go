package store

import (
	"context"

	"github.com/npezzotti/softtalk/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) PutProfile(ctx context.Context, externalId string, p types.Profile) error {
	args := m.Called(ctx, externalId, p)
	return args.Error(0)
}
func (m *MockStore) GetProfile(ctx context.Context, externalId string) (types.Profile, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(types.Profile), args.Error(1)
}
func (m *MockStore) ListProfiles(ctx context.Context) ([]types.Profile, error) {
	args := m.Called(ctx)
	if profiles, ok := args.Get(0).([]types.Profile); ok {
		return profiles, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) AppendMessage(ctx context.Context, conversationKey string, msg types.Message) error {
	args := m.Called(ctx, conversationKey, msg)
	return args.Error(0)
}
func (m *MockStore) ReadMessages(ctx context.Context, conversationKey string) ([]types.Message, error) {
	args := m.Called(ctx, conversationKey)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) AddMembership(ctx context.Context, a, b string) error {
	args := m.Called(ctx, a, b)
	return args.Error(0)
}
func (m *MockStore) ListMembership(ctx context.Context, id string) ([]string, error) {
	args := m.Called(ctx, id)
	if members, ok := args.Get(0).([]string); ok {
		return members, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
