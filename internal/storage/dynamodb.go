package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
)

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// LoadDefaultConfig queries the EC2 IMDS endpoint, which hangs when
		// static local credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func stringKey(name, value string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{name: &dbtypes.AttributeValueMemberS{Value: value}}
}

func (s *DynamoDBStore) put(ctx context.Context, table string, v any) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("failed to marshal item for %s: %w", table, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put item into %s: %w", table, err)
	}
	return nil
}

// putNew writes the item only when no item with the same key exists
func (s *DynamoDBStore) putNew(ctx context.Context, table, pk string, v any) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("failed to marshal item for %s: %w", table, err)
	}
	cond := expression.AttributeNotExists(expression.Name(pk))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(table),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to put item into %s: %w", table, err)
	}
	return nil
}

func (s *DynamoDBStore) get(ctx context.Context, table, pk, id string, out any) error {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            stringKey(pk, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to get item from %s: %w", table, err)
	}
	if result.Item == nil {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return fmt.Errorf("failed to unmarshal item from %s: %w", table, err)
	}
	return nil
}

// scan pages through a table, optionally filtered
func (s *DynamoDBStore) scan(ctx context.Context, table string, filter *expression.ConditionBuilder) ([]map[string]dbtypes.AttributeValue, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(table)}
	if filter != nil {
		expr, err := expression.NewBuilder().WithFilter(*filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var items []map[string]dbtypes.AttributeValue
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return items, nil
}

// and combines optional conditions
func and(conds ...expression.ConditionBuilder) *expression.ConditionBuilder {
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return &conds[0]
	}
	c := expression.And(conds[0], conds[1], conds[2:]...)
	return &c
}

func (s *DynamoDBStore) CreateInteraction(ctx context.Context, in *types.Interaction) error {
	return s.putNew(ctx, s.config.InteractionsTable, "InteractionID", in)
}

func (s *DynamoDBStore) GetInteraction(ctx context.Context, id string) (*types.Interaction, error) {
	var in types.Interaction
	if err := s.get(ctx, s.config.InteractionsTable, "InteractionID", id, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *DynamoDBStore) SaveInteraction(ctx context.Context, in *types.Interaction) error {
	next := *in
	next.Version++
	item, err := attributevalue.MarshalMap(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal item for %s: %w", s.config.InteractionsTable, err)
	}
	cond := expression.Name("Version").Equal(expression.Value(in.Version))
	if in.Version == 0 {
		// items written before versioning carry no Version attribute
		cond = expression.Or(cond, expression.AttributeNotExists(expression.Name("Version")))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.config.InteractionsTable),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("interaction %s: %w", in.ID, ErrVersionConflict)
		}
		return fmt.Errorf("failed to put item into %s: %w", s.config.InteractionsTable, err)
	}
	in.Version = next.Version
	return nil
}

func (s *DynamoDBStore) ListInteractions(ctx context.Context, filter InteractionFilter) ([]types.Interaction, error) {
	var conds []expression.ConditionBuilder
	if filter.Kind != "" {
		conds = append(conds, expression.Name("Kind").Equal(expression.Value(string(filter.Kind))))
	}
	if filter.State != "" {
		conds = append(conds, expression.Name("State").Equal(expression.Value(string(filter.State))))
	}

	items, err := s.scan(ctx, s.config.InteractionsTable, and(conds...))
	if err != nil {
		return nil, err
	}
	var out []types.Interaction
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal interactions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *DynamoDBStore) SaveTask(ctx context.Context, task *types.Task) error {
	return s.put(ctx, s.config.TasksTable, task)
}

func (s *DynamoDBStore) ListTasks(ctx context.Context, filter TaskFilter) ([]types.Task, error) {
	var conds []expression.ConditionBuilder
	if filter.State != "" {
		conds = append(conds, expression.Name("State").Equal(expression.Value(string(filter.State))))
	}
	if filter.Queue != "" {
		conds = append(conds, expression.Name("Queue").Equal(expression.Value(string(filter.Queue))))
	}

	items, err := s.scan(ctx, s.config.TasksTable, and(conds...))
	if err != nil {
		return nil, err
	}
	var out []types.Task
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tasks: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *DynamoDBStore) SaveWorker(ctx context.Context, worker *types.Worker) error {
	return s.put(ctx, s.config.WorkersTable, worker)
}

func (s *DynamoDBStore) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	items, err := s.scan(ctx, s.config.WorkersTable, nil)
	if err != nil {
		return nil, err
	}
	var out []types.Worker
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workers: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *DynamoDBStore) GetContact(ctx context.Context, address string) (*types.Contact, error) {
	var c types.Contact
	if err := s.get(ctx, s.config.ContactsTable, "Address", address, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *DynamoDBStore) SaveContact(ctx context.Context, contact *types.Contact) error {
	return s.put(ctx, s.config.ContactsTable, contact)
}

func (s *DynamoDBStore) CreateActivity(ctx context.Context, entry *types.ActivityLogEntry) error {
	return s.putNew(ctx, s.config.ActivityTable, "EntryKey", entry)
}

func (s *DynamoDBStore) GetActivity(ctx context.Context, key string) (*types.ActivityLogEntry, error) {
	var e types.ActivityLogEntry
	if err := s.get(ctx, s.config.ActivityTable, "EntryKey", key, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *DynamoDBStore) SaveActivity(ctx context.Context, entry *types.ActivityLogEntry) error {
	return s.put(ctx, s.config.ActivityTable, entry)
}

func (s *DynamoDBStore) ListActivities(ctx context.Context, state types.DeliveryState) ([]types.ActivityLogEntry, error) {
	var conds []expression.ConditionBuilder
	if state != "" {
		conds = append(conds, expression.Name("DeliveryState").Equal(expression.Value(string(state))))
	}
	items, err := s.scan(ctx, s.config.ActivityTable, and(conds...))
	if err != nil {
		return nil, err
	}
	var out []types.ActivityLogEntry
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal activity entries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.config.InteractionsTable),
	})
	return err
}

func (s *DynamoDBStore) Close() {}
