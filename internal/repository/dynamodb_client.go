package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"mimitalk-agent/internal/domain"
)

const (
	pkPrefixSession = "SESSION#"
	skPrefixTurn    = "TURN#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL

	// sortKeyLayout is fixed width so that lexical SK order equals time order.
	sortKeyLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// It also satisfies dynamodb.QueryAPIClient for pagination.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client is the DynamoDB-backed turn log. Each session is one partition and
// each turn one item sorted by its write timestamp.
type Client struct {
	api       dynamodbAPI
	tableName string
	pageSize  int32
	newID     func() string
}

type Option func(*Client)

// WithPageSize bounds the number of turns fetched per Query page.
func WithPageSize(n int32) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:       api,
		tableName: tableName,
		pageSize:  100,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return pkPrefixSession + sessionID
}

// turnSK returns the sort key for a turn. The random suffix keeps duplicate
// turns written at the same instant from colliding.
func turnSK(ts time.Time, id string) string {
	return skPrefixTurn + ts.UTC().Format(sortKeyLayout) + "#" + id
}

// ttlValue returns a Unix timestamp 30 days after ts.
func ttlValue(ts time.Time) int64 {
	return ts.Add(ttlDuration).Unix()
}

// AppendTurn writes turn as a new item in its session partition.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if strings.TrimSpace(turn.SessionID) == "" {
		return errors.New("repository: AppendTurn: session ID is required")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn, c.newID()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// ListTurns yields the turns of a session oldest first. Pages are fetched as
// the sequence is consumed, and every range over the result starts a new
// query. An unknown session yields nothing.
func (c *Client) ListTurns(ctx context.Context, sessionID string) iter.Seq2[domain.Turn, error] {
	return func(yield func(domain.Turn, error) bool) {
		paginator := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
			},
			ScanIndexForward: aws.Bool(true),
			Limit:            aws.Int32(c.pageSize),
		})

		for paginator.HasMorePages() {
			out, err := paginator.NextPage(ctx)
			if err != nil {
				yield(domain.Turn{}, fmt.Errorf("repository: ListTurns query: %w: %w", domain.ErrStorageUnavailable, err))
				return
			}
			for _, item := range out.Items {
				turn, err := itemToTurn(item)
				if err != nil {
					yield(domain.Turn{}, fmt.Errorf("repository: ListTurns unmarshal: %w", err))
					return
				}
				if !yield(turn, nil) {
					return
				}
			}
		}
	}
}

func turnItem(turn domain.Turn, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(turn.SessionID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(turn.Timestamp, id)},
		"sessionId": &types.AttributeValueMemberS{Value: turn.SessionID},
		"userText":  &types.AttributeValueMemberS{Value: turn.UserText},
		"agentText": &types.AttributeValueMemberS{Value: turn.AgentText},
		"timestamp": &types.AttributeValueMemberS{Value: turn.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(turn.Timestamp))},
	}
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Turn{}, err
	}
	userText, err := strAttr(item, "userText")
	if err != nil {
		return domain.Turn{}, err
	}
	agentText, _ := strAttr(item, "agentText") // allow empty
	rawTS, err := strAttr(item, "timestamp")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute %q: %w", "timestamp", err)
	}

	return domain.Turn{
		SessionID: sessionID,
		UserText:  userText,
		AgentText: agentText,
		Timestamp: ts,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
