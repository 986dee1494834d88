package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/model"
)

type fakeTableClient struct {
	tables map[string]bool
	items  map[string][]map[string]ddbtypes.AttributeValue
}

func newFakeTableClient() *fakeTableClient {
	return &fakeTableClient{tables: map[string]bool{}, items: map[string][]map[string]ddbtypes.AttributeValue{}}
}

func (f *fakeTableClient) PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	table := aws.ToString(in.TableName)
	if !f.tables[table] {
		return nil, &ddbtypes.ResourceNotFoundException{Message: aws.String("no such table: " + table)}
	}
	f.items[table] = append(f.items[table], in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTableClient) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.tables[aws.ToString(in.TableName)] = true
	return &dynamodb.CreateTableOutput{}, nil
}

func TestDynamoLogCreatesTableOnFirstAppend(t *testing.T) {
	client := newFakeTableClient()
	log := &DynamoLog{Client: client, ContainerName: "orders"}

	want := TableName("orders", "b")
	assert.False(t, client.tables[want])

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(context.Background(), "b", uuid.New(), model.Checkpoint(1), now))
	assert.True(t, client.tables[want])
	assert.Len(t, client.items[want], 1)
	assert.Equal(t, now.Format(time.RFC3339Nano), client.items[want][0]["dispatched_at"].(*ddbtypes.AttributeValueMemberS).Value)
}

func TestDynamoLogReusesExistingTable(t *testing.T) {
	client := newFakeTableClient()
	log := &DynamoLog{Client: client, ContainerName: "orders"}

	require.NoError(t, log.Append(context.Background(), "b", uuid.New(), model.Checkpoint(1), time.Now()))
	require.NoError(t, log.Append(context.Background(), "b", uuid.New(), model.Checkpoint(2), time.Now()))

	want := TableName("orders", "b")
	assert.Len(t, client.items[want], 2)
}

func TestDynamoLogSeparatesBucketsIntoDistinctTables(t *testing.T) {
	client := newFakeTableClient()
	log := &DynamoLog{Client: client, ContainerName: "orders"}

	require.NoError(t, log.Append(context.Background(), "b1", uuid.New(), model.Checkpoint(1), time.Now()))
	require.NoError(t, log.Append(context.Background(), "b2", uuid.New(), model.Checkpoint(1), time.Now()))

	assert.Len(t, client.items[TableName("orders", "b1")], 1)
	assert.Len(t, client.items[TableName("orders", "b2")], 1)
}
