package stats

import "github.com/stretchr/testify/mock"

// MockStatsUpdater records metric updates for assertions.
type MockStatsUpdater struct {
	mock.Mock
}

// NewNoopStats returns a mock that accepts any metric update, for tests
// that do not assert on metrics.
func NewNoopStats() *MockStatsUpdater {
	su := &MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	su.On("Run").Maybe()
	return su
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Run() {
	m.Called()
}
