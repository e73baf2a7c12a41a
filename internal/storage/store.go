package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict means the stored record changed since it was read
	ErrVersionConflict = errors.New("version conflict")
)

// InteractionFilter narrows ListInteractions. Zero values match everything.
type InteractionFilter struct {
	Kind  types.InteractionKind
	State types.InteractionState
	Limit int
}

func (f InteractionFilter) match(in *types.Interaction) bool {
	if f.Kind != "" && in.Kind != f.Kind {
		return false
	}
	if f.State != "" && in.State != f.State {
		return false
	}
	return true
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	State types.TaskState
	Queue types.QueueName
}

func (f TaskFilter) match(t *types.Task) bool {
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Queue != "" && t.Queue != f.Queue {
		return false
	}
	return true
}

// Store defines the storage interface
type Store interface {
	CreateInteraction(ctx context.Context, in *types.Interaction) error
	GetInteraction(ctx context.Context, id string) (*types.Interaction, error)
	// SaveInteraction writes in only when the stored version still equals
	// in.Version, and then advances in.Version. A stale write returns
	// ErrVersionConflict.
	SaveInteraction(ctx context.Context, in *types.Interaction) error
	ListInteractions(ctx context.Context, filter InteractionFilter) ([]types.Interaction, error)

	SaveTask(ctx context.Context, task *types.Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]types.Task, error)

	SaveWorker(ctx context.Context, worker *types.Worker) error
	ListWorkers(ctx context.Context) ([]types.Worker, error)

	GetContact(ctx context.Context, address string) (*types.Contact, error)
	SaveContact(ctx context.Context, contact *types.Contact) error

	CreateActivity(ctx context.Context, entry *types.ActivityLogEntry) error
	GetActivity(ctx context.Context, key string) (*types.ActivityLogEntry, error)
	SaveActivity(ctx context.Context, entry *types.ActivityLogEntry) error
	ListActivities(ctx context.Context, state types.DeliveryState) ([]types.ActivityLogEntry, error)

	Ping(ctx context.Context) error
	Close()
}

// Backend names accepted by NewStore
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, backend, databaseURL string, logger zerolog.Logger) (Store, error) {
	switch backend {
	case BackendDynamoDB:
		cfg := LoadDynamoConfig()
		if cfg.Mode == DynamoModeNone {
			cfg.Mode = DynamoModeAWS
		}
		return NewDynamoDBStore(ctx, cfg, logger)
	case BackendPostgres:
		if databaseURL == "" {
			databaseURL = os.Getenv("DATABASE_URL")
		}
		return NewPostgresStore(ctx, databaseURL, logger)
	case BackendMemory, "":
		logger.Info().Msg("using in-memory store")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
