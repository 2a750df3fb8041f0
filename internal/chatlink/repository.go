// Package chatlink reads the chat identity an account has linked for alerts.
package chatlink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/mail-alert-service/internal/dynamo"
)

// ErrNotLinked is returned when no chat is linked.
var ErrNotLinked = errors.New("no chat linked")

const (
	SortKey    = "CHATLINK"
	PrefixChat = "CHAT#"

	AttrAccountID = "accountId"
	AttrChatID    = "chatId"
)

// Repository reads chat links.
// PK: ACCOUNT#{accountId}  SK: CHATLINK
// GSI2: CHAT#{chatId} for resolving callbacks back to an account.
type Repository struct {
	client    dynamo.Client
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client dynamo.Client, tableName string) *Repository {
	return &Repository{client: client, tableName: tableName}
}

// ChatID returns the chat linked to accountID.
func (r *Repository) ChatID(ctx context.Context, accountID string) (int64, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.AccountPK(accountID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: SortKey},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get chat link: %w", err)
	}
	if output.Item == nil {
		return 0, ErrNotLinked
	}
	if _, ok := output.Item[AttrChatID]; !ok {
		return 0, ErrNotLinked
	}
	return dynamo.Int(output.Item, AttrChatID), nil
}

// AccountID returns the account that linked chatID.
func (r *Repository) AccountID(ctx context.Context, chatID int64) (string, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexGSI2),
		KeyConditionExpression: aws.String(dynamo.AttrGSI2PK + " = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: PrefixChat + strconv.FormatInt(chatID, 10)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("query chat link: %w", err)
	}
	if len(output.Items) == 0 {
		return "", ErrNotLinked
	}
	return dynamo.String(output.Items[0], AttrAccountID), nil
}
