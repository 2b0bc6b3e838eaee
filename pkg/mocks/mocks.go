// Package mocks provides testify mocks for the orchestration interfaces.
package mocks

import (
	"context"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of persistence.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Put(ctx context.Context, collection, id string, data []byte) error {
	args := m.Called(ctx, collection, id, data)

	return args.Error(0)
}

func (m *MockStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	args := m.Called(ctx, collection, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, collection, id string) error {
	args := m.Called(ctx, collection, id)

	return args.Error(0)
}

func (m *MockStore) List(ctx context.Context, collection string) ([]persistence.Record, error) {
	args := m.Called(ctx, collection)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]persistence.Record), args.Error(1)
}

func (m *MockStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockAgent is a mock implementation of agents.Agent.
type MockAgent struct {
	mock.Mock
}

func (m *MockAgent) ID() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockAgent) Type() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockAgent) Permissions() models.Permissions {
	args := m.Called()

	return args.Get(0).(models.Permissions)
}

func (m *MockAgent) ExecuteTask(ctx context.Context, task *models.AgentTask) (*models.TaskResult, error) {
	args := m.Called(ctx, task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.TaskResult), args.Error(1)
}

func (m *MockAgent) CancelTask(ctx context.Context, taskID string) (bool, error) {
	args := m.Called(ctx, taskID)

	return args.Bool(0), args.Error(1)
}

func (m *MockAgent) Health(ctx context.Context) (models.AgentHealth, error) {
	args := m.Called(ctx)

	return args.Get(0).(models.AgentHealth), args.Error(1)
}
