package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"ballot-relay/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore keeps ballots in a DynamoDB table keyed by "id".
type DynamoStore struct {
	db        DynamoAPI
	tableName string
}

func NewDynamoStore(db DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{db: db, tableName: table}
}

// OpenDynamo builds a store from dynamodb://<table>?region=<region>&endpoint=<url>.
func OpenDynamo(ctx context.Context, dsn string) (*DynamoStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dynamodb url: %w", err)
	}
	table := u.Host
	if table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}

	var opts []func(*config.LoadOptions) error
	if region := u.Query().Get("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := u.Query().Get("endpoint")
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoStore(client, table), nil
}

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*models.Ballot, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("load ballot %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var b models.Ballot
	if err := attributevalue.UnmarshalMap(out.Item, &b); err != nil {
		return nil, fmt.Errorf("decode ballot %s: %w", id, err)
	}
	return &b, nil
}

func (s *DynamoStore) Finalize(ctx context.Context, id string, f Finalization) (*models.Ballot, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	expr := "SET #st = :st, updated_at = :u"
	values := map[string]types.AttributeValue{
		":st":      &types.AttributeValueMemberS{Value: string(f.Status)},
		":pending": &types.AttributeValueMemberS{Value: string(models.BallotPending)},
		":u":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	if f.TransactionHash != "" {
		expr += ", transaction_hash = :h"
		values[":h"] = &types.AttributeValueMemberS{Value: f.TransactionHash}
	}
	if f.Status == models.BallotError {
		expr += ", error_detail = :e"
		values[":e"] = &types.AttributeValueMemberS{Value: f.ErrorDetail}
	}

	out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(id),
		// Only finalize while still pending; a missing item fails the condition too
		ConditionExpression: aws.String("attribute_exists(id) AND #st = :pending"),
		UpdateExpression:    aws.String(expr),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			b, getErr := s.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return b, ErrAlreadyFinalized
		}
		return nil, fmt.Errorf("finalize ballot %s: %w", id, err)
	}

	var b models.Ballot
	if err := attributevalue.UnmarshalMap(out.Attributes, &b); err != nil {
		return nil, fmt.Errorf("decode ballot %s: %w", id, err)
	}
	return &b, nil
}
