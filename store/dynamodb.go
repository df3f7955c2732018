package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/stepflow"
)

// DefaultWatermarkName keys the auto-finish scheduler's watermark
const DefaultWatermarkName = "autofinish"

// DynamoDBWatermark implements stepflow.Watermark on a DynamoDB table so that
// several scheduler instances share one throttle. The table needs a string
// PK hash key and a string SK range key.
type DynamoDBWatermark struct {
	client    DynamoDBClient
	tableName string
	name      string
}

var _ stepflow.Watermark = (*DynamoDBWatermark)(nil)

type watermarkItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"entity_type"`
	LastRun    int64  `dynamodbav:"last_run"`
	UpdatedAt  string `dynamodbav:"updated_at"`
}

// NewDynamoDBWatermark creates a watermark stored under name in tableName.
// An empty name uses DefaultWatermarkName.
func NewDynamoDBWatermark(client DynamoDBClient, tableName, name string) *DynamoDBWatermark {
	if name == "" {
		name = DefaultWatermarkName
	}
	return &DynamoDBWatermark{
		client:    client,
		tableName: tableName,
		name:      name,
	}
}

func (w *DynamoDBWatermark) LastRun(ctx context.Context) (time.Time, error) {
	result, err := w.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(w.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: watermarkPK(w.name)},
			AttrSK: &types.AttributeValueMemberS{Value: watermarkSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get watermark: %w", err)
	}

	if result.Item == nil {
		return time.Time{}, nil
	}

	var item watermarkItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return time.Time{}, fmt.Errorf("failed to unmarshal watermark: %w", err)
	}

	return time.Unix(0, item.LastRun).UTC(), nil
}

// SetLastRun records t unless a later run is already recorded
func (w *DynamoDBWatermark) SetLastRun(ctx context.Context, t time.Time) error {
	item, err := attributevalue.MarshalMap(watermarkItem{
		PK:         watermarkPK(w.name),
		SK:         watermarkSK(),
		EntityType: EntityTypeWatermark,
		LastRun:    t.UnixNano(),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal watermark: %w", err)
	}

	_, err = w.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(w.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk) OR #last < :last"),
		ExpressionAttributeNames: map[string]string{
			"#pk":   AttrPK,
			"#last": AttrLastRun,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":last": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t.UnixNano())},
		},
	})

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to put watermark: %w", err)
	}
	return nil
}
