// Package dynamo implements [callflow.Store] on a DynamoDB table.
//
// Each session is one item keyed by PK = "CALL#<call id>". The session
// document is kept as a JSON string; state, version and updatedAt are
// top-level attributes so that writes can be conditioned on the version and
// the janitor can filter on state. Terminal sessions carry a ttl attribute so
// that DynamoDB expires them even if the janitor never runs.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/MrWong99/affirmcall/internal/callflow"
)

const pkPrefix = "CALL#"

// dynamodbAPI is the subset of the DynamoDB client used by SessionStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ callflow.Store = (*SessionStore)(nil)

// SessionStore is a DynamoDB-backed [callflow.Store].
type SessionStore struct {
	api       dynamodbAPI
	tableName string

	// terminalTTL is how long ended and failed sessions are kept before
	// DynamoDB's TTL sweeper removes them. Zero disables the attribute.
	terminalTTL time.Duration
}

// New returns a SessionStore for tableName. terminalTTL sets the ttl
// attribute written on terminal sessions.
func New(api dynamodbAPI, tableName string, terminalTTL time.Duration) (*SessionStore, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &SessionStore{api: api, tableName: tableName, terminalTTL: terminalTTL}, nil
}

// Open loads the default AWS configuration and returns a SessionStore. An
// empty region defers to the environment.
func Open(ctx context.Context, region, tableName string, terminalTTL time.Duration) (*SessionStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), tableName, terminalTTL)
}

func sessionPK(callID string) string { return pkPrefix + callID }

func (s *SessionStore) key(callID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(callID)},
	}
}

func (s *SessionStore) Create(ctx context.Context, sess *callflow.Session) error {
	c := sess.Clone()
	c.Version = 1
	item, err := s.item(c)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: %s", callflow.ErrExists, sess.CallID)
		}
		return fmt.Errorf("dynamo: Create %s: %w", sess.CallID, err)
	}
	sess.Version = 1
	return nil
}

func (s *SessionStore) Get(ctx context.Context, callID string) (*callflow.Session, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(callID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: Get %s: %w", callID, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, callflow.ErrNotFound
	}
	return itemToSession(out.Item)
}

func (s *SessionStore) CompareAndSwap(ctx context.Context, sess *callflow.Session, expectedVersion int64) error {
	c := sess.Clone()
	c.Version = expectedVersion + 1
	item, err := s.item(c)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(PK) AND version = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": numAttr(expectedVersion),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return callflow.ErrNotFound
			}
			current, _ := intAttr(ccf.Item, "version")
			return fmt.Errorf("%w: %s at version %d, expected %d", callflow.ErrConflict, sess.CallID, current, expectedVersion)
		}
		return fmt.Errorf("dynamo: CompareAndSwap %s: %w", sess.CallID, err)
	}
	sess.Version = c.Version
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, callID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(callID),
	})
	if err != nil {
		return fmt.Errorf("dynamo: Delete %s: %w", callID, err)
	}
	return nil
}

// PurgeTerminal scans for terminal sessions last updated before the cutoff
// and deletes them one by one.
func (s *SessionStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	in := &dynamodb.ScanInput{
		TableName:            aws.String(s.tableName),
		FilterExpression:     aws.String("#st IN (:ended, :failed) AND updatedAt < :before"),
		ProjectionExpression: aws.String("PK"),
		ExpressionAttributeNames: map[string]string{
			"#st": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ended":  &types.AttributeValueMemberS{Value: string(callflow.StateEnded)},
			":failed": &types.AttributeValueMemberS{Value: string(callflow.StateFailed)},
			":before": numAttr(before.Unix()),
		},
	}
	var n int64
	for {
		out, err := s.api.Scan(ctx, in)
		if err != nil {
			return n, fmt.Errorf("dynamo: PurgeTerminal scan: %w", err)
		}
		for _, item := range out.Items {
			_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       map[string]types.AttributeValue{"PK": item["PK"]},
			})
			if err != nil {
				return n, fmt.Errorf("dynamo: PurgeTerminal delete: %w", err)
			}
			n++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return n, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// ListStalled scans for sessions in one of states last updated before the
// cutoff.
func (s *SessionStore) ListStalled(ctx context.Context, states []callflow.State, before time.Time) ([]*callflow.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	values := map[string]types.AttributeValue{":before": numAttr(before.Unix())}
	placeholders := make([]string, len(states))
	for i, st := range states {
		ph := ":s" + strconv.Itoa(i)
		placeholders[i] = ph
		values[ph] = &types.AttributeValueMemberS{Value: string(st)}
	}
	in := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String("#st IN (" + strings.Join(placeholders, ", ") + ") AND updatedAt < :before"),
		ExpressionAttributeNames:  map[string]string{"#st": "state"},
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	var out []*callflow.Session
	for {
		page, err := s.api.Scan(ctx, in)
		if err != nil {
			return out, fmt.Errorf("dynamo: ListStalled scan: %w", err)
		}
		for _, item := range page.Items {
			sess, err := itemToSession(item)
			if err != nil {
				return out, fmt.Errorf("dynamo: ListStalled: %w", err)
			}
			out = append(out, sess)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// Ping describes the table.
func (s *SessionStore) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return fmt.Errorf("dynamo: Ping: %w", err)
	}
	return nil
}

func (s *SessionStore) item(sess *callflow.Session) (map[string]types.AttributeValue, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("dynamo: marshal session %s: %w", sess.CallID, err)
	}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sess.CallID)},
		"state":     &types.AttributeValueMemberS{Value: string(sess.State)},
		"version":   numAttr(sess.Version),
		"updatedAt": numAttr(sess.UpdatedAt.Unix()),
		"data":      &types.AttributeValueMemberS{Value: string(data)},
	}
	if sess.State.Terminal() && s.terminalTTL > 0 {
		item["ttl"] = numAttr(sess.UpdatedAt.Add(s.terminalTTL).Unix())
	}
	return item, nil
}

func itemToSession(item map[string]types.AttributeValue) (*callflow.Session, error) {
	v, ok := item["data"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("dynamo: attribute \"data\" missing or not a string")
	}
	var sess callflow.Session
	if err := json.Unmarshal([]byte(v.Value), &sess); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal session: %w", err)
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return nil, err
	}
	sess.Version = version
	return &sess, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
