package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

// NewPermissiveMock accepts any registration and counter update.
func NewPermissiveMock() *MockStatsUpdater {
	m := &MockStatsUpdater{}
	m.On("RegisterMetric", mock.Anything).Return()
	m.On("Incr", mock.Anything).Return().Maybe()
	m.On("Decr", mock.Anything).Return().Maybe()
	return m
}

func (m *MockStatsUpdater) Incr(name string)           { m.Called(name) }
func (m *MockStatsUpdater) Decr(name string)           { m.Called(name) }
func (m *MockStatsUpdater) RegisterMetric(name string) { m.Called(name) }
