package storage

import "os"

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
	DynamoModeNone  DynamoMode = "none"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode              DynamoMode
	Endpoint          string // for local mode
	Region            string
	InteractionsTable string
	TasksTable        string
	WorkersTable      string
	ContactsTable     string
	ActivityTable     string
}

// LoadDynamoConfig loads DynamoDB config from environment
func LoadDynamoConfig() DynamoConfig {
	mode := DynamoMode(getEnv("DYNAMO_MODE", "none"))
	if mode != DynamoModeLocal && mode != DynamoModeAWS {
		mode = DynamoModeNone
	}

	return DynamoConfig{
		Mode:              mode,
		Endpoint:          getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		Region:            getEnv("DYNAMO_REGION", "eu-central-1"),
		InteractionsTable: getEnv("DYNAMO_INTERACTIONS_TABLE", "comms-interactions"),
		TasksTable:        getEnv("DYNAMO_TASKS_TABLE", "comms-tasks"),
		WorkersTable:      getEnv("DYNAMO_WORKERS_TABLE", "comms-workers"),
		ContactsTable:     getEnv("DYNAMO_CONTACTS_TABLE", "comms-contacts"),
		ActivityTable:     getEnv("DYNAMO_ACTIVITY_TABLE", "comms-activity-log"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
