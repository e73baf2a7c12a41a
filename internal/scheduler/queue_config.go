package scheduler

import "github.com/dennisdiepolder/monti/comms/internal/types"

// QueueConfig holds the configuration for a task queue
type QueueConfig struct {
	Name      types.QueueName
	SLTarget  int // target percentage (e.g., 80)
	SLSeconds int // acceptance threshold in seconds (e.g., 20)
}

// DefaultQueueConfigs builds 80/20 configs for the named queues
func DefaultQueueConfigs(names []string) map[types.QueueName]QueueConfig {
	configs := make(map[types.QueueName]QueueConfig, len(names))
	for _, n := range names {
		q := types.QueueName(n)
		configs[q] = QueueConfig{Name: q, SLTarget: 80, SLSeconds: 20}
	}
	return configs
}
