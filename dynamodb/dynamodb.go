/*
Package dynamodb provides a DynamoDB-backed feature store for the ToggleTree Go SDK.

By caching feature flag data in DynamoDB, clients don't need to call out to the ToggleTree
service every time they're created. This is useful for environments like AWS Lambda where
workloads can be sensitive to cold starts.

In contrast to the Redis-backed feature store, the DynamoDB store can be used without requiring
access to any VPC resources, i.e. ElastiCache Redis.

The feature store requires an existing table with a partition key named "namespace" and a sort
key named "key", both strings. Here's how to use it with the client:

	store, err := dynamodb.NewDynamoDBFeatureStore("some-table", nil, 30*time.Second, nil)
	if err != nil { ... }

	config := ttclient.DefaultConfig
	config.FeatureStore = store
	config.UseLdd = true // Enable daemon mode to only read flags from DynamoDB

	client, err := ttclient.MakeCustomClient("some-sdk-key", config, 5*time.Second)
	if err != nil { ... }
*/
package dynamodb

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	tt "github.com/toggletree/go-server-sdk"
	"github.com/toggletree/go-server-sdk/utils"
)

const (
	// Schema of the DynamoDB table
	tablePartitionKey = "namespace"
	tableSortKey      = "key"

	// The marker item written at the end of Init, so a separate process can tell that the
	// table contains a complete data set.
	initedNamespace = "$inited"
)

type dynamoDBFeatureStoreCore struct {
	// Client to access DynamoDB
	client dynamodbiface.DynamoDBAPI

	// Name of the DynamoDB table
	table string

	cacheTTL time.Duration

	logger tt.Logger
}

// NewDynamoDBFeatureStore creates a new DynamoDB feature store ready to be used by the
// ToggleTree client. A cacheTTL greater than zero enables local caching of recently accessed
// items.
//
// This function uses https://docs.aws.amazon.com/sdk-for-go/api/aws/session/#NewSession
// to configure access to DynamoDB, which means that environment variables like
// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, and AWS_REGION work as expected.
//
// For more control, use NewDynamoDBFeatureStoreWithClient with a custom DynamoDB client.
func NewDynamoDBFeatureStore(table string, config *aws.Config, cacheTTL time.Duration, logger tt.Logger) (tt.FeatureStore, error) {
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}
	return NewDynamoDBFeatureStoreWithClient(dynamodb.New(sess), table, cacheTTL, logger)
}

// NewDynamoDBFeatureStoreWithClient creates a new DynamoDB feature store using the specified
// DynamoDB client. A cacheTTL greater than zero enables local caching of recently accessed
// items.
func NewDynamoDBFeatureStoreWithClient(client dynamodbiface.DynamoDBAPI, table string, cacheTTL time.Duration, logger tt.Logger) (tt.FeatureStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[ToggleTree DynamoDBFeatureStore]", log.LstdFlags)
	}
	core := &dynamoDBFeatureStoreCore{
		client:   client,
		table:    table,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
	return utils.NewFeatureStoreWrapper(core), nil
}

func (core *dynamoDBFeatureStoreCore) GetCacheTTL() time.Duration {
	return core.cacheTTL
}

// InitInternal writes the given data set to DynamoDB, deleting any existing data that is not
// in the new set, then writes the initialization marker item.
func (core *dynamoDBFeatureStoreCore) InitInternal(allData map[tt.VersionedDataKind]map[string]tt.VersionedData) error {
	// Read the existing keys so we can delete whatever is not in the new data set. Doing this
	// instead of truncating the whole table first means readers never see a half-empty table.
	unusedOldKeys, err := core.readExistingKeys()
	if err != nil {
		core.logger.Printf("ERROR: Failed to get existing items prior to Init: %s", err)
		return err
	}

	var requests []*dynamodb.WriteRequest
	numItems := 0

	for kind, items := range allData {
		for k, v := range items {
			av, err := core.marshalItem(kind, v)
			if err != nil {
				core.logger.Printf("ERROR: Failed to marshal item (key=%s): %s", k, err)
				return err
			}
			requests = append(requests, &dynamodb.WriteRequest{
				PutRequest: &dynamodb.PutRequest{Item: av},
			})
			delete(unusedOldKeys, dynamoDBItemKey{namespace: kind.GetNamespace(), key: k})
			numItems++
		}
	}

	for oldKey := range unusedOldKeys {
		if oldKey.namespace == initedNamespace {
			continue
		}
		requests = append(requests, &dynamodb.WriteRequest{
			DeleteRequest: &dynamodb.DeleteRequest{Key: map[string]*dynamodb.AttributeValue{
				tablePartitionKey: {S: aws.String(oldKey.namespace)},
				tableSortKey:      {S: aws.String(oldKey.key)},
			}},
		})
	}

	requests = append(requests, &dynamodb.WriteRequest{
		PutRequest: &dynamodb.PutRequest{Item: map[string]*dynamodb.AttributeValue{
			tablePartitionKey: {S: aws.String(initedNamespace)},
			tableSortKey:      {S: aws.String(initedNamespace)},
		}},
	})

	if err := core.batchWriteRequests(requests); err != nil {
		core.logger.Printf("ERROR: Failed to write %d item(s) in batches: %s", len(requests), err)
		return err
	}

	core.logger.Printf("INFO: Initialized table %q with %d item(s)", core.table, numItems)

	return nil
}

func (core *dynamoDBFeatureStoreCore) InitializedInternal() bool {
	result, err := core.client.GetItem(&dynamodb.GetItemInput{
		TableName:      aws.String(core.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			tablePartitionKey: {S: aws.String(initedNamespace)},
			tableSortKey:      {S: aws.String(initedNamespace)},
		},
	})
	return err == nil && len(result.Item) != 0
}

// GetAllInternal returns all items of the given data kind currently stored in DynamoDB,
// including items marked as deleted.
func (core *dynamoDBFeatureStoreCore) GetAllInternal(kind tt.VersionedDataKind) (map[string]tt.VersionedData, error) {
	var items []map[string]*dynamodb.AttributeValue

	err := core.client.QueryPages(&dynamodb.QueryInput{
		TableName:      aws.String(core.table),
		ConsistentRead: aws.Bool(true),
		KeyConditions: map[string]*dynamodb.Condition{
			tablePartitionKey: {
				ComparisonOperator: aws.String("EQ"),
				AttributeValueList: []*dynamodb.AttributeValue{
					{S: aws.String(kind.GetNamespace())},
				},
			},
		},
	}, func(out *dynamodb.QueryOutput, lastPage bool) bool {
		items = append(items, out.Items...)
		return !lastPage
	})
	if err != nil {
		core.logger.Printf("ERROR: Failed to get all %q items: %s", kind.GetNamespace(), err)
		return nil, err
	}

	results := make(map[string]tt.VersionedData)

	for _, i := range items {
		item, err := unmarshalItem(kind, i)
		if err != nil {
			core.logger.Printf("ERROR: Failed to unmarshal item: %s", err)
			return nil, err
		}
		results[item.GetKey()] = item
	}

	return results, nil
}

// GetInternal returns a specific item with the given key, or nil if the item does not exist.
func (core *dynamoDBFeatureStoreCore) GetInternal(kind tt.VersionedDataKind, key string) (tt.VersionedData, error) {
	result, err := core.client.GetItem(&dynamodb.GetItemInput{
		TableName:      aws.String(core.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			tablePartitionKey: {S: aws.String(kind.GetNamespace())},
			tableSortKey:      {S: aws.String(key)},
		},
	})
	if err != nil {
		core.logger.Printf("ERROR: Failed to get item (key=%s): %s", key, err)
		return nil, err
	}

	if len(result.Item) == 0 {
		core.logger.Printf("DEBUG: Item not found (key=%s)", key)
		return nil, nil
	}

	item, err := unmarshalItem(kind, result.Item)
	if err != nil {
		core.logger.Printf("ERROR: Failed to unmarshal item (key=%s): %s", key, err)
		return nil, err
	}

	return item, nil
}

// UpsertInternal either creates a new item of the given data kind if it doesn't already exist,
// or updates an existing item if the given item has a higher version.
func (core *dynamoDBFeatureStoreCore) UpsertInternal(kind tt.VersionedDataKind, item tt.VersionedData) (bool, error) {
	av, err := core.marshalItem(kind, item)
	if err != nil {
		core.logger.Printf("ERROR: Failed to marshal item (key=%s): %s", item.GetKey(), err)
		return false, err
	}

	_, err = core.client.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(core.table),
		Item:      av,
		ConditionExpression: aws.String(
			"attribute_not_exists(#namespace) or " +
				"attribute_not_exists(#key) or " +
				":version > #version",
		),
		ExpressionAttributeNames: map[string]*string{
			"#namespace": aws.String(tablePartitionKey),
			"#key":       aws.String(tableSortKey),
			"#version":   aws.String("version"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":version": {N: aws.String(strconv.Itoa(item.GetVersion()))},
		},
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			core.logger.Printf("DEBUG: Not updating item due to condition (key=%s version=%d)",
				item.GetKey(), item.GetVersion())
			return false, nil
		}
		core.logger.Printf("ERROR: Failed to put item (key=%s): %s", item.GetKey(), err)
		return false, err
	}

	return true, nil
}

type dynamoDBItemKey struct {
	namespace string
	key       string
}

func (core *dynamoDBFeatureStoreCore) readExistingKeys() (map[dynamoDBItemKey]bool, error) {
	keys := make(map[dynamoDBItemKey]bool)
	err := core.client.ScanPages(&dynamodb.ScanInput{
		TableName:            aws.String(core.table),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("#namespace, #key"),
		ExpressionAttributeNames: map[string]*string{
			"#namespace": aws.String(tablePartitionKey),
			"#key":       aws.String(tableSortKey),
		},
	}, func(out *dynamodb.ScanOutput, lastPage bool) bool {
		for _, i := range out.Items {
			nsAttr := i[tablePartitionKey]
			keyAttr := i[tableSortKey]
			if nsAttr != nil && nsAttr.S != nil && keyAttr != nil && keyAttr.S != nil {
				keys[dynamoDBItemKey{namespace: *nsAttr.S, key: *keyAttr.S}] = true
			}
		}
		return !lastPage
	})
	return keys, err
}

// batchWriteRequests executes a list of write requests (PutItem or DeleteItem)
// in batches of 25, which is the maximum BatchWriteItem can handle.
func (core *dynamoDBFeatureStoreCore) batchWriteRequests(requests []*dynamodb.WriteRequest) error {
	for len(requests) > 0 {
		batchSize := int(math.Min(float64(len(requests)), 25))
		batch := requests[:batchSize]
		requests = requests[batchSize:]

		_, err := core.client.BatchWriteItem(&dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{core.table: batch},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (core *dynamoDBFeatureStoreCore) marshalItem(kind tt.VersionedDataKind, item tt.VersionedData) (map[string]*dynamodb.AttributeValue, error) {
	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return nil, err
	}

	// Adding the namespace as a partition key allows us to store everything (feature flags,
	// segments, etc.) in a single DynamoDB table. The namespace attribute will be ignored
	// when unmarshalling.
	av[tablePartitionKey] = &dynamodb.AttributeValue{S: aws.String(kind.GetNamespace())}

	return av, nil
}

func unmarshalItem(kind tt.VersionedDataKind, item map[string]*dynamodb.AttributeValue) (tt.VersionedData, error) {
	data := kind.GetDefaultItem()
	if err := dynamodbattribute.UnmarshalMap(item, &data); err != nil {
		return nil, err
	}
	if item, ok := data.(tt.VersionedData); ok {
		return item, nil
	}
	return nil, fmt.Errorf("unexpected data type from unmarshal: %T", data)
}
