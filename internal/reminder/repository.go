package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/mail-alert-service/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrNotFound      = errors.New("reminder not found")
	ErrAlreadyExists = errors.New("reminder already exists")
	// ErrStateConflict means the reminder was not in the expected state.
	ErrStateConflict = errors.New("reminder state changed")
)

const (
	PrefixReminder = "REMINDER#"

	AttrReminderID = "reminderId"
	AttrAccountID  = "accountId"
	AttrChatID     = "chatId"
	AttrMessageID  = "messageId"
	AttrText       = "text"
	AttrDueAt      = "dueAt"
	AttrStatus     = "status"
	AttrCreatedAt  = "createdAt"
	AttrUpdatedAt  = "updatedAt"

	// retention keeps terminal reminders around for a while after they
	// were due.
	retention = 30 * 24 * time.Hour
)

// Repository handles reminder storage.
type Repository struct {
	client    dynamo.Client
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client dynamo.Client, tableName string) *Repository {
	return &Repository{client: client, tableName: tableName}
}

func (r *Repository) key(accountID, reminderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.AccountPK(accountID)},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: PrefixReminder + reminderID},
	}
}

// Create stores a new reminder. It fails with ErrAlreadyExists rather than
// overwrite.
func (r *Repository) Create(ctx context.Context, rem Reminder) error {
	item := r.key(rem.AccountID, rem.ID)
	item[AttrReminderID] = &types.AttributeValueMemberS{Value: rem.ID}
	item[AttrAccountID] = &types.AttributeValueMemberS{Value: rem.AccountID}
	item[AttrChatID] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rem.ChatID, 10)}
	item[AttrMessageID] = &types.AttributeValueMemberS{Value: rem.MessageID}
	item[AttrText] = &types.AttributeValueMemberS{Value: rem.Text}
	item[AttrDueAt] = &types.AttributeValueMemberS{Value: dynamo.FormatTime(rem.DueAt)}
	item[AttrStatus] = &types.AttributeValueMemberS{Value: string(rem.Status)}
	item[AttrCreatedAt] = &types.AttributeValueMemberS{Value: dynamo.FormatTime(rem.CreatedAt)}
	item[AttrUpdatedAt] = &types.AttributeValueMemberS{Value: dynamo.FormatTime(rem.UpdatedAt)}
	item[dynamo.AttrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rem.DueAt.Add(retention).Unix(), 10)}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(" + dynamo.AttrPK + ")"),
	})
	if err != nil {
		if dynamo.IsConditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put reminder: %w", err)
	}
	return nil
}

// Get retrieves a reminder with a strongly consistent read.
func (r *Repository) Get(ctx context.Context, accountID, reminderID string) (*Reminder, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(accountID, reminderID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalReminder(output.Item), nil
}

// Transition moves a reminder from one status to another only if it is
// still in from. Losing the race returns ErrStateConflict.
func (r *Repository) Transition(ctx context.Context, accountID, reminderID string, from, to Status, at time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("transition %s to %s: %w", from, to, ErrStateConflict)
	}
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(accountID, reminderID),
		UpdateExpression:    aws.String("SET #status = :to, " + AttrUpdatedAt + " = :at"),
		ConditionExpression: aws.String("attribute_exists(" + dynamo.AttrPK + ") AND #status = :from"),
		ExpressionAttributeNames: map[string]string{
			"#status": AttrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from": &types.AttributeValueMemberS{Value: string(from)},
			":to":   &types.AttributeValueMemberS{Value: string(to)},
			":at":   &types.AttributeValueMemberS{Value: dynamo.FormatTime(at)},
		},
	})
	if err != nil {
		if dynamo.IsConditionFailed(err) {
			return ErrStateConflict
		}
		return fmt.Errorf("update reminder status: %w", err)
	}
	return nil
}

func unmarshalReminder(item map[string]types.AttributeValue) *Reminder {
	return &Reminder{
		ID:        dynamo.String(item, AttrReminderID),
		AccountID: dynamo.String(item, AttrAccountID),
		ChatID:    dynamo.Int(item, AttrChatID),
		MessageID: dynamo.String(item, AttrMessageID),
		Text:      dynamo.String(item, AttrText),
		DueAt:     dynamo.Time(item, AttrDueAt),
		Status:    Status(dynamo.String(item, AttrStatus)),
		CreatedAt: dynamo.Time(item, AttrCreatedAt),
		UpdatedAt: dynamo.Time(item, AttrUpdatedAt),
	}
}
