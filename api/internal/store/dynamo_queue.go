package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"homework-grader/api/internal/queue"
)

// DynamoQueue keeps queue items in a DynamoDB table keyed by "id". Claims use a
// ConditionExpression on status; a failed condition means another worker won.
type DynamoQueue struct {
	db        *dynamodb.Client
	tableName string
}

func NewDynamoQueue(ctx context.Context, region, table, endpoint string) (*DynamoQueue, error) {
	if table == "" {
		return nil, fmt.Errorf("DYNAMO_TABLE is required")
	}
	if region == "" {
		region = "us-east-2"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &DynamoQueue{db: client, tableName: table}, nil
}

// NewDynamoQueueWithClient is used when the caller builds the client (tests, custom credentials).
func NewDynamoQueueWithClient(client *dynamodb.Client, table string) *DynamoQueue {
	return &DynamoQueue{db: client, tableName: table}
}

func strAttr(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func (d *DynamoQueue) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": strAttr(id)}
}

func isConditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

func (d *DynamoQueue) Insert(ctx context.Context, it queue.Item) error {
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return err
	}
	_, err = d.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, it.ID)
	}
	return err
}

func (d *DynamoQueue) Get(ctx context.Context, id string) (queue.Item, error) {
	out, err := d.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return queue.Item{}, err
	}
	if out.Item == nil {
		return queue.Item{}, queue.ErrNotFound
	}
	var it queue.Item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return queue.Item{}, err
	}
	return it, nil
}

func (d *DynamoQueue) scan(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]queue.Item, error) {
	p := dynamodb.NewScanPaginator(d.db, &dynamodb.ScanInput{
		TableName:                 aws.String(d.tableName),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  map[string]string{"#st": "status"},
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	})
	var items []queue.Item
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []queue.Item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

func (d *DynamoQueue) NextPending(ctx context.Context, maxAttempts int) (queue.Item, error) {
	items, err := d.scan(ctx, "#st = :pending AND attempts < :max", map[string]types.AttributeValue{
		":pending": strAttr(string(queue.StatusPending)),
		":max":     numAttr(int64(maxAttempts)),
	})
	if err != nil {
		return queue.Item{}, err
	}
	if len(items) == 0 {
		return queue.Item{}, queue.ErrNotFound
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items[0], nil
}

func (d *DynamoQueue) Claim(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.key(id),
		ConditionExpression: aws.String("#st = :pending"),
		UpdateExpression:    aws.String("SET #st = :processing, locked_at = :now, locked_by = :wid, updated_at = :now ADD attempts :one"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":    strAttr(string(queue.StatusPending)),
			":processing": strAttr(string(queue.StatusProcessing)),
			":now":        numAttr(now.Unix()),
			":wid":        strAttr(workerID),
			":one":        numAttr(1),
		},
	})
	if err != nil {
		// someone else claimed it (or it changed state)
		if isConditionFailed(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

const heldBy = "#st = :processing AND locked_by = :owner"

// settle moves an item still locked by owner to st, clearing the lock. A failed condition
// reports ErrLockLost.
func (d *DynamoQueue) settle(ctx context.Context, id, owner string, st queue.Status, set string, values map[string]types.AttributeValue) error {
	values[":st"] = strAttr(string(st))
	values[":processing"] = strAttr(string(queue.StatusProcessing))
	values[":owner"] = strAttr(owner)
	_, err := d.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       d.key(id),
		ConditionExpression:       aws.String(heldBy),
		UpdateExpression:          aws.String("SET #st = :st, updated_at = :now" + set + " REMOVE locked_at, locked_by"),
		ExpressionAttributeNames:  map[string]string{"#st": "status"},
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return queue.ErrLockLost
	}
	return err
}

// settleOwned is settle for a worker's own claim; a missing item is reported as ErrNotFound.
func (d *DynamoQueue) settleOwned(ctx context.Context, id, owner string, st queue.Status, set string, values map[string]types.AttributeValue) error {
	err := d.settle(ctx, id, owner, st, set, values)
	if !errors.Is(err, queue.ErrLockLost) {
		return err
	}
	if _, gerr := d.Get(ctx, id); gerr != nil {
		return gerr
	}
	return err
}

func (d *DynamoQueue) Complete(ctx context.Context, id, workerID, resultID string, now time.Time) error {
	return d.settleOwned(ctx, id, workerID, queue.StatusCompleted, ", result_id = :rid, completed_at = :now", map[string]types.AttributeValue{
		":now": numAttr(now.Unix()),
		":rid": strAttr(resultID),
	})
}

func (d *DynamoQueue) Requeue(ctx context.Context, id, workerID, msg string, now time.Time) error {
	return d.settleOwned(ctx, id, workerID, queue.StatusPending, ", error_message = :msg", map[string]types.AttributeValue{
		":now": numAttr(now.Unix()),
		":msg": strAttr(msg),
	})
}

func (d *DynamoQueue) Park(ctx context.Context, id, workerID, msg string, now time.Time) error {
	return d.settleOwned(ctx, id, workerID, queue.StatusFailed, ", error_message = :msg", map[string]types.AttributeValue{
		":now": numAttr(now.Unix()),
		":msg": strAttr(msg),
	})
}

func (d *DynamoQueue) ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, int, error) {
	items, err := d.scan(ctx, "#st = :processing AND locked_at < :cutoff", map[string]types.AttributeValue{
		":processing": strAttr(string(queue.StatusProcessing)),
		":cutoff":     numAttr(cutoff.Unix()),
	})
	if err != nil {
		return 0, 0, err
	}
	released, parked := 0, 0
	for _, it := range items {
		// only touch the row if the same stale claim is still in place
		values := map[string]types.AttributeValue{":now": numAttr(now.Unix())}
		if it.Attempts >= maxAttempts {
			values[":msg"] = strAttr(queue.StaleMessage(it.LockedBy))
			err = d.settle(ctx, it.ID, it.LockedBy, queue.StatusFailed, ", error_message = :msg", values)
		} else {
			err = d.settle(ctx, it.ID, it.LockedBy, queue.StatusPending, "", values)
		}
		switch {
		case errors.Is(err, queue.ErrLockLost):
			continue
		case err != nil:
			return released, parked, err
		case it.Attempts >= maxAttempts:
			parked++
		default:
			released++
		}
	}
	return released, parked, nil
}

func (d *DynamoQueue) Stats(ctx context.Context, now time.Time) (queue.Stats, error) {
	items, err := d.scan(ctx, "attribute_exists(#st)", nil)
	if err != nil {
		return queue.Stats{}, err
	}
	var st queue.Stats
	var oldest time.Time
	for _, it := range items {
		st.Total++
		switch it.Status {
		case queue.StatusPending:
			st.Pending++
			if oldest.IsZero() || it.CreatedAt.Before(oldest) {
				oldest = it.CreatedAt
			}
		case queue.StatusProcessing:
			st.Processing++
		case queue.StatusCompleted:
			st.Completed++
		case queue.StatusFailed:
			st.Failed++
		}
	}
	if !oldest.IsZero() {
		st.OldestPendingAgeSec = int64(now.Sub(oldest).Seconds())
	}
	return st, nil
}

func (d *DynamoQueue) DeleteCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	items, err := d.scan(ctx, "#st = :completed AND completed_at < :cutoff", map[string]types.AttributeValue{
		":completed": strAttr(string(queue.StatusCompleted)),
		":cutoff":    numAttr(cutoff.Unix()),
	})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, it := range items {
		_, err := d.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(d.tableName),
			Key:                       d.key(it.ID),
			ConditionExpression:       aws.String("#st = :completed"),
			ExpressionAttributeNames:  map[string]string{"#st": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":completed": strAttr(string(queue.StatusCompleted))},
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
