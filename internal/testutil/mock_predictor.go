package testutil

import (
	"github.com/stretchr/testify/mock"
)

// MockPredictor is a mock of classify.Session.
type MockPredictor struct {
	mock.Mock
}

func (m *MockPredictor) Predict(input []float32) (float32, error) {
	args := m.Called(input)
	return args.Get(0).(float32), args.Error(1)
}

func (m *MockPredictor) Close() error {
	args := m.Called()
	return args.Error(0)
}
