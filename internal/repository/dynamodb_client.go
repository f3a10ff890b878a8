package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-relay/internal/domain"
)

const (
	pkPrefixConv   = "CONV#"
	pkPrefixThread = "THREAD#"
	pkPrefixMsgID  = "MSGID#"
	skPrefixMsg    = "MSG#"
	skMeta         = "META#"
	skThread       = "THREAD#"
	skMsgID        = "MSGID#"

	// sortableTime keeps a fixed width so lexicographic SK order matches time order.
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

	condNotExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps conversations, thread correlations and messages in a
// single DynamoDB table.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoDB-backed store.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation. It doubles as
// the conversation's store record id.
func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

func threadPK(handle string) string {
	return pkPrefixThread + handle
}

func msgIDPK(messageID string) string {
	return pkPrefixMsgID + messageID
}

// msgSK returns the sort key for a message; the id suffix breaks timestamp ties.
func msgSK(ts time.Time, messageID string) string {
	return skPrefixMsg + formatTime(ts) + "#" + messageID
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(sortableTime)
}

// CreateConversation writes the conversation and its thread guard in one
// transaction so a thread handle can never be claimed twice.
func (s *DynamoStore) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if c.ID == "" || c.ThreadHandle == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: id and thread handle are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.StoreRecordID = convPK(c.ID)

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                conversationItem(c),
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK":             &types.AttributeValueMemberS{Value: threadPK(c.ThreadHandle)},
						"SK":             &types.AttributeValueMemberS{Value: skThread},
						"conversationId": &types.AttributeValueMemberS{Value: c.ID},
					},
					ConditionExpression: aws.String(condNotExists),
				},
			},
		},
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return c, nil
}

// GetConversation loads a conversation by its visitor-facing id.
func (s *DynamoStore) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, domain.ErrNotFound
	}
	c, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	return c, nil
}

// GetConversationByThread follows the thread guard back to its conversation.
func (s *DynamoStore) GetConversationByThread(ctx context.Context, threadHandle string) (domain.Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(threadPK(threadHandle), skThread),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversationByThread: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, domain.ErrNotFound
	}
	convID, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversationByThread unmarshal: %w", err)
	}
	return s.GetConversation(ctx, convID)
}

// SetMode updates the mode of the conversation stored under recordID and
// returns the mode it replaced.
func (s *DynamoStore) SetMode(ctx context.Context, recordID string, mode domain.Mode) (domain.Mode, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(recordID, skMeta),
		UpdateExpression:    aws.String("SET #mode = :mode"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#mode": "mode",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":mode": &types.AttributeValueMemberS{Value: string(mode)},
		},
		ReturnValues: types.ReturnValueUpdatedOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("repository: SetMode: %w", err)
	}
	if out == nil {
		return domain.ModeAutomatic, nil
	}
	prev, _ := strAttr(out.Attributes, "mode") // absent means never changed
	return domain.ParseMode(prev), nil
}

// SaveMessage writes the message and its id pointer in one transaction.
func (s *DynamoStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: SaveMessage: id and conversation id are required")
	}
	if msg.Timestamp.IsZero() {
		return errors.New("repository: SaveMessage: timestamp is required")
	}
	pk, sk := convPK(msg.ConversationID), msgSK(msg.Timestamp, msg.ID)

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                messageItem(pk, sk, msg),
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK":    &types.AttributeValueMemberS{Value: msgIDPK(msg.ID)},
						"SK":    &types.AttributeValueMemberS{Value: skMsgID},
						"msgPK": &types.AttributeValueMemberS{Value: pk},
						"msgSK": &types.AttributeValueMemberS{Value: sk},
					},
					ConditionExpression: aws.String(condNotExists),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMessage: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages of a conversation in
// chronological order. A limit <= 0 returns the whole conversation.
func (s *DynamoStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ConsistentRead: aws.Bool(true),
	}
	if limit > 0 {
		// Read newest first so LIMIT favors the most recent context.
		in.ScanIndexForward = aws.Bool(false)
		in.Limit = aws.Int32(int32(limit))
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		msgs, err := itemsToMessages(out.Items)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		return msgs, nil
	}

	msgs, err := s.queryAll(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	return msgs, nil
}

// ListUndisplayed returns the conversation's undisplayed messages in
// chronological order.
func (s *DynamoStore) ListUndisplayed(ctx context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("displayed = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			":false":  &types.AttributeValueMemberBOOL{Value: false},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListUndisplayed: %w", err)
	}
	return msgs, nil
}

// MarkDisplayed flips a message's displayed flag. It reports false without an
// error when the message was already displayed.
func (s *DynamoStore) MarkDisplayed(ctx context.Context, messageID string) (bool, error) {
	ptr, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(msgIDPK(messageID), skMsgID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: MarkDisplayed lookup: %w", err)
	}
	if ptr == nil || len(ptr.Item) == 0 {
		return false, domain.ErrNotFound
	}
	pk, err := strAttr(ptr.Item, "msgPK")
	if err != nil {
		return false, fmt.Errorf("repository: MarkDisplayed lookup: %w", err)
	}
	sk, err := strAttr(ptr.Item, "msgSK")
	if err != nil {
		return false, fmt.Errorf("repository: MarkDisplayed lookup: %w", err)
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(pk, sk),
		UpdateExpression:    aws.String("SET displayed = :true"),
		ConditionExpression: aws.String("displayed = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("repository: MarkDisplayed: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]domain.Message, error) {
	var msgs []domain.Message
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		page, err := itemsToMessages(out.Items)
		if err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		msgs = append(msgs, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return msgs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func conversationItem(c domain.Conversation) map[string]types.AttributeValue {
	mode := c.Mode
	if mode == "" {
		mode = domain.ModeAutomatic
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(c.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: c.ID},
		"threadHandle":   &types.AttributeValueMemberS{Value: c.ThreadHandle},
		"mode":           &types.AttributeValueMemberS{Value: string(mode)},
		"visitor":        &types.AttributeValueMemberS{Value: c.Visitor},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(c.CreatedAt)},
	}
}

func messageItem(pk, sk string, msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: pk},
		"SK":             &types.AttributeValueMemberS{Value: sk},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"timestamp":      &types.AttributeValueMemberS{Value: formatTime(msg.Timestamp)},
		"displayed":      &types.AttributeValueMemberBOOL{Value: msg.Displayed},
	}
}

// itemToConversation converts a DynamoDB attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Conversation{}, err
	}
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	thread, err := strAttr(item, "threadHandle")
	if err != nil {
		return domain.Conversation{}, err
	}
	mode, _ := strAttr(item, "mode")       // allow empty
	visitor, _ := strAttr(item, "visitor") // allow empty
	created, _ := timeAttr(item, "createdAt")

	return domain.Conversation{
		ID:            id,
		StoreRecordID: pk,
		ThreadHandle:  thread,
		Mode:          domain.ParseMode(mode),
		Visitor:       visitor,
		CreatedAt:     created,
	}, nil
}

func itemsToMessages(items []map[string]types.AttributeValue) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Message{}, err
	}
	displayed, err := boolAttr(item, "displayed")
	if err != nil {
		return domain.Message{}, err
	}

	return domain.Message{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Content:        content,
		Timestamp:      ts,
		Displayed:      displayed,
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

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(sortableTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
