// Package mocks provides mock implementations for testing the scheduler.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for
// the repository ports in internal/core. The mocks are generated using
// go:generate directives and provide a fluent API for setting up test
// expectations. Stateful hand-written doubles live in the store subpackage;
// prefer those for lifecycle tests that span several transitions.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().GetByUUID(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for TaskRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=task_repository_mock.go github.com/chaoss/grimoirelab-core/internal/core TaskRepository

// Generate mock for JobRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/chaoss/grimoirelab-core/internal/core JobRepository

// Generate mock for EventPublisher interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=event_publisher_mock.go github.com/chaoss/grimoirelab-core/internal/core EventPublisher
