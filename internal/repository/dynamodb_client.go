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

	"reengagement-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skActivity  = "ACTIVITY#"
	skAvatar    = "AVATAR#"

	// userCreatedIndex projects messages by owner so the notification poll
	// can fetch recent avatar messages without knowing conversation ids.
	userCreatedIndex = "user-created-index"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding conversation messages, activity
// records and avatar profiles under one partition key per conversation.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message using its UTC creation timestamp.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

// AppendMessage persists a message and advances the conversation's activity
// record in one transaction. A user-authored message additionally resets
// NotificationSent so the conversation becomes eligible for a future
// re-engagement dispatch; an avatar message leaves the flag alone.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: AppendMessage: id and conversation id are required")
	}
	if msg.CreatedAt.IsZero() {
		return errors.New("repository: AppendMessage: created at is required")
	}

	update := "SET lastMessageAt = :ts, userId = if_not_exists(userId, :uid)"
	values := map[string]types.AttributeValue{
		":ts":  &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339)},
		":uid": &types.AttributeValueMemberS{Value: msg.UserID},
	}
	if msg.IsUser {
		update += ", notificationSent = :sent"
		values[":sent"] = &types.AttributeValueMemberBOOL{Value: false}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
						"SK": &types.AttributeValueMemberS{Value: skActivity},
					},
					UpdateExpression:          aws.String(update),
					ExpressionAttributeValues: values,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// FindSilentConversations returns activity records whose last message is
// older than before and which have not been notified for the current
// silence period.
func (c *Client) FindSilentConversations(ctx context.Context, before time.Time) ([]domain.ConversationActivity, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("SK = :sk AND lastMessageAt < :before AND (attribute_not_exists(notificationSent) OR notificationSent = :sent)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk":     &types.AttributeValueMemberS{Value: skActivity},
			":before": &types.AttributeValueMemberS{Value: before.UTC().Format(time.RFC3339)},
			":sent":   &types.AttributeValueMemberBOOL{Value: false},
		},
	}

	var records []domain.ConversationActivity
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: FindSilentConversations scan: %w", err)
		}
		for _, item := range out.Items {
			rec, err := itemToActivity(item)
			if err != nil {
				return nil, fmt.Errorf("repository: FindSilentConversations unmarshal: %w", err)
			}
			records = append(records, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return records, nil
}

// ClaimForDispatch flips NotificationSent false->true for a conversation.
// The condition expression makes the claim atomic: of any number of
// concurrent scans, exactly one wins. A lost race returns (false, nil).
func (c *Client) ClaimForDispatch(ctx context.Context, conversationID string) (bool, error) {
	// Records created by a conversation's first message have no flag yet;
	// they count as not-notified.
	err := c.setNotificationSent(ctx, conversationID, true,
		aws.String("attribute_exists(lastMessageAt) AND (attribute_not_exists(notificationSent) OR notificationSent = :expect)"))
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ClaimForDispatch: %w", err)
	}
	return true, nil
}

// ReleaseClaim returns a claimed conversation to the candidate pool. Used
// when message insertion fails after a successful claim.
func (c *Client) ReleaseClaim(ctx context.Context, conversationID string) error {
	if err := c.setNotificationSent(ctx, conversationID, false, nil); err != nil {
		return fmt.Errorf("repository: ReleaseClaim: %w", err)
	}
	return nil
}

func (c *Client) setNotificationSent(ctx context.Context, conversationID string, sent bool, condition *string) error {
	values := map[string]types.AttributeValue{
		":sent": &types.AttributeValueMemberBOOL{Value: sent},
	}
	if condition != nil {
		values[":expect"] = &types.AttributeValueMemberBOOL{Value: !sent}
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skActivity},
		},
		UpdateExpression:          aws.String("SET notificationSent = :sent"),
		ConditionExpression:       condition,
		ExpressionAttributeValues: values,
	})
	return err
}

// GetActivity fetches a conversation's activity record with a consistent
// read, so the notification client confirms dispatch state against the
// authoritative flag rather than a possibly stale replica. A conversation
// without an activity record yields the zero value and no error.
func (c *Client) GetActivity(ctx context.Context, conversationID string) (domain.ConversationActivity, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skActivity},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationActivity{}, fmt.Errorf("repository: GetActivity: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationActivity{}, nil
	}
	rec, err := itemToActivity(out.Item)
	if err != nil {
		return domain.ConversationActivity{}, fmt.Errorf("repository: GetActivity unmarshal: %w", err)
	}
	return rec, nil
}

// GetAvatarProfile fetches the persona traits recorded for a conversation's
// avatar. Unlike activity records, a missing profile is an error: without
// traits there is nothing to select a template for.
func (c *Client) GetAvatarProfile(ctx context.Context, conversationID string) (domain.AvatarProfile, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skAvatar},
		},
	})
	if err != nil {
		return domain.AvatarProfile{}, fmt.Errorf("repository: GetAvatarProfile: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.AvatarProfile{}, fmt.Errorf("repository: GetAvatarProfile: no profile for conversation %q", conversationID)
	}

	name, err := strAttr(out.Item, "name")
	if err != nil {
		return domain.AvatarProfile{}, fmt.Errorf("repository: GetAvatarProfile: %w", err)
	}
	personality, err := strAttr(out.Item, "personality")
	if err != nil {
		return domain.AvatarProfile{}, fmt.Errorf("repository: GetAvatarProfile: %w", err)
	}
	tone, err := strAttr(out.Item, "tone")
	if err != nil {
		return domain.AvatarProfile{}, fmt.Errorf("repository: GetAvatarProfile: %w", err)
	}
	avatarID, _ := strAttr(out.Item, "avatarId") // allow empty
	category, _ := strAttr(out.Item, "category") // empty means no category

	return domain.AvatarProfile{
		AvatarID:    avatarID,
		Name:        name,
		Personality: personality,
		Tone:        tone,
		Category:    category,
	}, nil
}

// GetHistory queries all MSG# items for a conversation ordered chronologically.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// RecentAvatarMessages returns up to limit avatar-authored messages for a
// user created after since, newest first. Backed by the user index so one
// query covers all of the user's conversations.
func (c *Client) RecentAvatarMessages(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(userCreatedIndex),
		KeyConditionExpression: aws.String("userId = :uid AND createdAt > :since"),
		FilterExpression:       aws.String("isUser = :isUser"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":    &types.AttributeValueMemberS{Value: userID},
			":since":  &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
			":isUser": &types.AttributeValueMemberBOOL{Value: false},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var msgs []domain.Message
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentAvatarMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: RecentAvatarMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
			if len(msgs) >= limit {
				return msgs, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return msgs, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"userId":         &types.AttributeValueMemberS{Value: msg.UserID},
		"avatarName":     &types.AttributeValueMemberS{Value: msg.AvatarName},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"isUser":         &types.AttributeValueMemberBOOL{Value: msg.IsUser},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt", time.RFC3339Nano)
	if err != nil {
		return domain.Message{}, err
	}
	isUser, err := boolAttr(item, "isUser")
	if err != nil {
		return domain.Message{}, err
	}
	userID, _ := strAttr(item, "userId")         // allow empty
	avatarName, _ := strAttr(item, "avatarName") // allow empty

	return domain.Message{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		AvatarName:     avatarName,
		Content:        content,
		IsUser:         isUser,
		CreatedAt:      createdAt,
	}, nil
}

func itemToActivity(item map[string]types.AttributeValue) (domain.ConversationActivity, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.ConversationActivity{}, err
	}
	lastMessageAt, err := timeAttr(item, "lastMessageAt", time.RFC3339)
	if err != nil {
		return domain.ConversationActivity{}, err
	}
	sent, err := boolAttr(item, "notificationSent")
	if err != nil {
		// Activity records created by the first message have no flag yet.
		sent = false
	}
	userID, _ := strAttr(item, "userId")     // allow empty
	avatarID, _ := strAttr(item, "avatarId") // allow empty

	return domain.ConversationActivity{
		ConversationID:   strings.TrimPrefix(pk, "CONV#"),
		UserID:           userID,
		AvatarID:         avatarID,
		LastMessageAt:    lastMessageAt,
		NotificationSent: sent,
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

func timeAttr(item map[string]types.AttributeValue, key, layout string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(layout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
