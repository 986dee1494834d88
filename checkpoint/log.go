package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/evsrc-io/evsrc/model"
)

// Log records one row per dispatched commit, implementing §4.5 step 1's
// per-bucket checkpoint table and §6's "chpt" + container_name + bucket_id
// naming. It is an append-only audit trail of dispatch order; the engine
// never reads it back.
type Log interface {
	Append(ctx context.Context, bucket model.BucketID, commitID uuid.UUID, checkpoint model.Checkpoint, dispatchedAt time.Time) error
}

// TableClient is the DynamoDB surface the checkpoint log needs: insert a
// row and, on first use against a bucket, create the table it lands in.
type TableClient interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoLog is a Log backed by one DynamoDB table per bucket, created on
// demand the first time Append targets a bucket that has none yet —
// mirroring pageblob/s3blob's SequenceClient pattern for the other
// DynamoDB-backed primitive this engine uses.
type DynamoLog struct {
	Client        TableClient
	ContainerName string
}

// TableName computes "chpt" + container_name + bucket_id per §6.
func TableName(containerName string, bucket model.BucketID) string {
	return "chpt" + containerName + string(bucket)
}

// Append implements Log. commit_id is the row's partition key so retried
// dispatch marks overwrite rather than duplicate (insert-or-replace).
func (l *DynamoLog) Append(ctx context.Context, bucket model.BucketID, commitID uuid.UUID, checkpoint model.Checkpoint, dispatchedAt time.Time) error {
	table := TableName(l.ContainerName, bucket)
	item := map[string]ddbtypes.AttributeValue{
		"commit_id":     &ddbtypes.AttributeValueMemberS{Value: commitID.String()},
		"bucket_id":     &ddbtypes.AttributeValueMemberS{Value: string(bucket)},
		"checkpoint":    &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", checkpoint)},
		"dispatched_at": &ddbtypes.AttributeValueMemberS{Value: dispatchedAt.Format(time.RFC3339Nano)},
	}

	_, err := l.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err == nil {
		return nil
	}

	var notFound *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("checkpoint: append to %s: %w", table, err)
	}

	if err := l.createTable(ctx, table); err != nil {
		return err
	}

	if _, err := l.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("checkpoint: append to %s after create: %w", table, err)
	}
	return nil
}

func (l *DynamoLog) createTable(ctx context.Context, table string) error {
	_, err := l.Client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("commit_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("commit_id"), KeyType: ddbtypes.KeyTypeHash},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *ddbtypes.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("checkpoint: create table %s: %w", table, err)
	}
	return nil
}
