package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrPK      = "PK"
	attrItems   = "items"
	attrCounter = "n"
	attrHits    = "hits"
	attrVersion = "version"
	attrTTL     = "ttl"

	defaultMaxAttempts = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDB.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDB is a Store backed by a single DynamoDB table keyed by a string
// partition key "PK". Expiry uses the table's TTL attribute "ttl" (epoch
// seconds); because DynamoDB deletes expired items lazily, reads treat an
// item whose ttl has passed as absent. Atomic updates use conditional writes
// and retry on conflict.
type DynamoDB struct {
	api         dynamodbAPI
	tableName   string
	maxAttempts int
	now         func() time.Time
}

// NewDynamoDB creates a DynamoDB-backed Store.
func NewDynamoDB(api dynamodbAPI, tableName string) (*DynamoDB, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoDB{
		api:         api,
		tableName:   tableName,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}, nil
}

func (c *DynamoDB) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: key},
	}
}

// get reads key with strong consistency. It returns nil when the item is
// missing or expired.
func (c *DynamoDB) get(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	if c.expired(out.Item) {
		return nil, nil
	}
	return out.Item, nil
}

func (c *DynamoDB) expired(item map[string]types.AttributeValue) bool {
	ttl, ok, err := numAttr(item, attrTTL)
	if err != nil || !ok {
		return false
	}
	return ttl <= c.now().Unix()
}

// ListAppend appends to the items list. A stale item whose ttl has passed is
// replaced rather than extended; the replacement is conditioned on the item
// still being stale, so a concurrent append is retried instead of overwritten.
func (c *DynamoDB) ListAppend(ctx context.Context, key, value string) error {
	entry := &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: value}}}
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		now := numValue(c.now().Unix())
		_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(c.tableName),
			Key:                 c.key(key),
			UpdateExpression:    aws.String("SET #items = list_append(if_not_exists(#items, :empty), :v)"),
			ConditionExpression: aws.String("attribute_not_exists(#ttl) OR #ttl > :now"),
			ExpressionAttributeNames: map[string]string{
				"#items": attrItems,
				"#ttl":   attrTTL,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
				":v":     entry,
				":now":   now,
			},
		})
		if err == nil {
			return nil
		}
		if !isConditionalFailure(err) {
			return fmt.Errorf("repository: ListAppend %q: %w", key, err)
		}

		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(c.tableName),
			Item: map[string]types.AttributeValue{
				attrPK:    &types.AttributeValueMemberS{Value: key},
				attrItems: entry,
			},
			ConditionExpression:       aws.String("attribute_not_exists(#pk) OR #ttl <= :now"),
			ExpressionAttributeNames:  map[string]string{"#pk": attrPK, "#ttl": attrTTL},
			ExpressionAttributeValues: map[string]types.AttributeValue{":now": now},
		})
		if err == nil {
			return nil
		}
		if !isConditionalFailure(err) {
			return fmt.Errorf("repository: ListAppend %q: %w", key, err)
		}
	}
	return fmt.Errorf("repository: ListAppend %q: %w", key, ErrContention)
}

// ListTrim removes entries from the head of the list until keep remain. The
// removal is conditioned on the list size it was computed from.
func (c *DynamoDB) ListTrim(ctx context.Context, key string, keep int) error {
	if keep <= 0 {
		return fmt.Errorf("repository: ListTrim %q: keep must be positive", key)
	}
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		item, err := c.get(ctx, key)
		if err != nil {
			return fmt.Errorf("repository: ListTrim %q: %w", key, err)
		}
		items, err := listAttr(item, attrItems)
		if err != nil {
			return fmt.Errorf("repository: ListTrim %q: %w", key, err)
		}
		excess := len(items) - keep
		if excess <= 0 {
			return nil
		}

		paths := make([]string, excess)
		for i := range paths {
			paths[i] = fmt.Sprintf("#items[%d]", i)
		}
		_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(c.tableName),
			Key:                      c.key(key),
			UpdateExpression:         aws.String("REMOVE " + strings.Join(paths, ", ")),
			ConditionExpression:      aws.String("size(#items) = :size"),
			ExpressionAttributeNames: map[string]string{"#items": attrItems},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":size": numValue(int64(len(items))),
			},
		})
		if isConditionalFailure(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("repository: ListTrim %q: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("repository: ListTrim %q: %w", key, ErrContention)
}

func (c *DynamoDB) ListRange(ctx context.Context, key string) ([]string, error) {
	item, err := c.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("repository: ListRange %q: %w", key, err)
	}
	items, err := listAttr(item, attrItems)
	if err != nil {
		return nil, fmt.Errorf("repository: ListRange %q: %w", key, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for i, v := range items {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: ListRange %q: %w: entry %d is not a string", key, ErrMalformed, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

func (c *DynamoDB) Incr(ctx context.Context, key string) (int64, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      c.key(key),
		UpdateExpression:         aws.String("ADD #n :one"),
		ExpressionAttributeNames: map[string]string{"#n": attrCounter},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numValue(1),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: Incr %q: %w", key, err)
	}
	if out == nil {
		return 0, fmt.Errorf("repository: Incr %q: %w: empty response", key, ErrMalformed)
	}
	n, ok, err := numAttr(out.Attributes, attrCounter)
	if err != nil {
		return 0, fmt.Errorf("repository: Incr %q: %w", key, err)
	}
	if !ok {
		return 0, fmt.Errorf("repository: Incr %q: %w: counter missing from response", key, ErrMalformed)
	}
	return n, nil
}

func (c *DynamoDB) Counter(ctx context.Context, key string) (int64, error) {
	item, err := c.get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("repository: Counter %q: %w", key, err)
	}
	n, _, err := numAttr(item, attrCounter)
	if err != nil {
		return 0, fmt.Errorf("repository: Counter %q: %w", key, err)
	}
	return n, nil
}

// SlideWindow reads the window, prunes and counts it locally, then writes it
// back conditioned on the version it read. A lost race restarts the step.
func (c *DynamoDB) SlideWindow(ctx context.Context, key string, w Window) (WindowState, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		item, err := c.get(ctx, key)
		if err != nil {
			return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w", key, err)
		}
		// An expired item still carries the version guarding the next write.
		version, err := c.versionOf(ctx, key, item)
		if err != nil {
			return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w", key, err)
		}
		hits, err := hitsAttr(item)
		if err != nil {
			return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w", key, err)
		}

		survivors := make([]int64, 0, len(hits)+1)
		for _, h := range hits {
			if h >= w.Start {
				survivors = append(survivors, h)
			}
		}
		state := WindowState{Count: len(survivors)}
		for _, h := range survivors {
			if state.Oldest == 0 || h < state.Oldest {
				state.Oldest = h
			}
		}

		if state.Count >= w.Limit {
			if len(survivors) == len(hits) {
				return state, nil
			}
			ttl, _, _ := numAttr(item, attrTTL)
			err = c.putWindow(ctx, key, survivors, version, ttl)
			if err != nil && !isConditionalFailure(err) {
				return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w", key, err)
			}
			return state, nil
		}

		survivors = append(survivors, w.Now)
		expireAt := c.now().Add(w.TTL)
		err = c.putWindow(ctx, key, survivors, version, ceilUnix(expireAt))
		if isConditionalFailure(err) {
			continue
		}
		if err != nil {
			return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w", key, err)
		}
		state.Admitted = true
		return state, nil
	}
	return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w", key, ErrContention)
}

// versionOf returns the OCC version of item. When item was hidden because it
// expired, the raw item is re-read so its version can still be matched.
func (c *DynamoDB) versionOf(ctx context.Context, key string, item map[string]types.AttributeValue) (int64, error) {
	if item != nil {
		v, _, err := numAttr(item, attrVersion)
		return v, err
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(c.tableName),
		Key:                  c.key(key),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("#v"),
		ExpressionAttributeNames: map[string]string{
			"#v": attrVersion,
		},
	})
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	v, _, err := numAttr(out.Item, attrVersion)
	return v, err
}

func (c *DynamoDB) putWindow(ctx context.Context, key string, hits []int64, version, ttl int64) error {
	list := make([]types.AttributeValue, len(hits))
	for i, h := range hits {
		list[i] = numValue(h)
	}
	item := map[string]types.AttributeValue{
		attrPK:      &types.AttributeValueMemberS{Value: key},
		attrHits:    &types.AttributeValueMemberL{Value: list},
		attrVersion: numValue(version + 1),
	}
	if ttl > 0 {
		item[attrTTL] = numValue(ttl)
	}

	in := &dynamodb.PutItemInput{
		TableName:                aws.String(c.tableName),
		Item:                     item,
		ExpressionAttributeNames: map[string]string{"#v": attrVersion},
	}
	if version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(#v)")
	} else {
		in.ConditionExpression = aws.String("#v = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":v": numValue(version)}
	}
	_, err := c.api.PutItem(ctx, in)
	return err
}

// Expire sets the ttl attribute on an existing item; a missing key is a no-op.
func (c *DynamoDB) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(key),
		UpdateExpression:    aws.String("SET #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": attrTTL,
			"#pk":  attrPK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": numValue(ceilUnix(c.now().Add(ttl))),
		},
	})
	if isConditionalFailure(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: Expire %q: %w", key, err)
	}
	return nil
}

// Close is a no-op; the SDK client owns no resources that need releasing.
func (c *DynamoDB) Close() error {
	return nil
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}

// ceilUnix rounds t up to whole seconds so a ttl never fires early.
func ceilUnix(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

func numValue(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// numAttr decodes a numeric attribute. ok is false when the attribute is absent.
func numAttr(item map[string]types.AttributeValue, key string) (int64, bool, error) {
	v, ok := item[key]
	if !ok {
		return 0, false, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false, fmt.Errorf("%w: attribute %q is not a number", ErrMalformed, key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: parse attribute %q: %v", ErrMalformed, key, err)
	}
	return parsed, true, nil
}

func listAttr(item map[string]types.AttributeValue, key string) ([]types.AttributeValue, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("%w: attribute %q is not a list", ErrMalformed, key)
	}
	return l.Value, nil
}

func hitsAttr(item map[string]types.AttributeValue) ([]int64, error) {
	list, err := listAttr(item, attrHits)
	if err != nil {
		return nil, err
	}
	hits := make([]int64, 0, len(list))
	for i, v := range list {
		n, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("%w: hit %d is not a number", ErrMalformed, i)
		}
		h, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: parse hit %d: %v", ErrMalformed, i, err)
		}
		hits = append(hits, h)
	}
	return hits, nil
}
