package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/mail-alert-service/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrNotFound  = errors.New("connection not found")
	ErrLeaseHeld = errors.New("connection lease held by another owner")
	ErrLeaseLost = errors.New("connection lease no longer held")
)

// Repository handles mailbox connection storage.
type Repository struct {
	client    dynamo.Client
	tableName string
	now       func() time.Time
}

// NewRepository creates a new Repository.
func NewRepository(client dynamo.Client, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (r *Repository) key(ref Ref) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.AccountPK(ref.AccountID)},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: PrefixConnection + ref.ConnectionID},
	}
}

// Get retrieves a connection. Reads are strongly consistent because the
// refresh path re-reads after taking its lease.
func (r *Repository) Get(ctx context.Context, ref Ref) (*Connection, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(ref),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalConnection(output.Item), nil
}

// FindByEmail returns every connection for a mailbox address. More than one
// account may have connected the same mailbox.
func (r *Repository) FindByEmail(ctx context.Context, email string) ([]Ref, error) {
	var refs []Ref
	var startKey map[string]types.AttributeValue
	for {
		output, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(dynamo.IndexGSI2),
			KeyConditionExpression: aws.String(dynamo.AttrGSI2PK + " = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: mailboxKey(email)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query connections by mailbox: %w", err)
		}
		for _, item := range output.Items {
			refs = append(refs, Ref{
				AccountID:    dynamo.String(item, AttrAccountID),
				ConnectionID: dynamo.String(item, AttrConnectionID),
			})
		}
		if len(output.LastEvaluatedKey) == 0 {
			return refs, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// ListSubscriptionsExpiringBefore returns connections whose change
// subscription lapses before cutoff, soonest first.
func (r *Repository) ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Ref, error) {
	var refs []Ref
	var startKey map[string]types.AttributeValue
	for {
		output, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(dynamo.IndexGSI1),
			KeyConditionExpression: aws.String(dynamo.AttrGSI1PK + " = :pk AND " + dynamo.AttrGSI1SK + " < :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: SubscriptionPartition},
				":cutoff": &types.AttributeValueMemberS{Value: dynamo.FormatTime(cutoff)},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query expiring subscriptions: %w", err)
		}
		for _, item := range output.Items {
			refs = append(refs, Ref{
				AccountID:    dynamo.String(item, AttrAccountID),
				ConnectionID: dynamo.String(item, AttrConnectionID),
			})
		}
		if len(output.LastEvaluatedKey) == 0 {
			return refs, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// CredentialUpdate carries freshly sealed token material.
type CredentialUpdate struct {
	SealedAccessToken string
	// SealedRefreshToken is only written when the provider rotated it.
	SealedRefreshToken string
	TokenType          string
	TokenExpiry        time.Time
}

// UpdateCredential persists refreshed token material and clears any
// degraded state. Cursor and subscription attributes are not touched.
func (r *Repository) UpdateCredential(ctx context.Context, ref Ref, update CredentialUpdate) error {
	set := []string{
		AttrSealedAccessToken + " = :access",
		AttrTokenType + " = :tokenType",
		AttrTokenExpiry + " = :expiry",
		"#status = :active",
		AttrUpdatedAt + " = :now",
	}
	values := map[string]types.AttributeValue{
		":access":    &types.AttributeValueMemberS{Value: update.SealedAccessToken},
		":tokenType": &types.AttributeValueMemberS{Value: update.TokenType},
		":expiry":    &types.AttributeValueMemberS{Value: dynamo.FormatTime(update.TokenExpiry)},
		":active":    &types.AttributeValueMemberS{Value: string(StatusActive)},
		":now":       &types.AttributeValueMemberS{Value: dynamo.FormatTime(r.now())},
	}
	if update.SealedRefreshToken != "" {
		set = append(set, AttrSealedRefreshToken+" = :refresh")
		values[":refresh"] = &types.AttributeValueMemberS{Value: update.SealedRefreshToken}
	}

	return r.update(ctx, ref, "SET "+strings.Join(set, ", ")+" REMOVE "+AttrDegradedReason, values)
}

// MarkDegraded flags a connection as needing re-authorisation.
func (r *Repository) MarkDegraded(ctx context.Context, ref Ref, reason string) error {
	return r.update(ctx, ref,
		"SET #status = :degraded, "+AttrDegradedReason+" = :reason, "+AttrUpdatedAt+" = :now",
		map[string]types.AttributeValue{
			":degraded": &types.AttributeValueMemberS{Value: string(StatusDegraded)},
			":reason":   &types.AttributeValueMemberS{Value: reason},
			":now":      &types.AttributeValueMemberS{Value: dynamo.FormatTime(r.now())},
		})
}

// UpdateSubscription records a renewed subscription expiry and re-indexes
// the connection for the renewal sweep. The cursor is not touched.
func (r *Repository) UpdateSubscription(ctx context.Context, ref Ref, expiry time.Time) error {
	return r.update(ctx, ref,
		"SET "+AttrWatchExpiry+" = :expiry, "+dynamo.AttrGSI1PK+" = :gsi1pk, "+dynamo.AttrGSI1SK+" = :gsi1sk, "+AttrUpdatedAt+" = :now",
		map[string]types.AttributeValue{
			":expiry": &types.AttributeValueMemberS{Value: dynamo.FormatTime(expiry)},
			":gsi1pk": &types.AttributeValueMemberS{Value: SubscriptionPartition},
			":gsi1sk": &types.AttributeValueMemberS{Value: subscriptionSortKey(expiry, ref)},
			":now":    &types.AttributeValueMemberS{Value: dynamo.FormatTime(r.now())},
		})
}

// AdvanceCursor overwrites the cursor, provided owner still holds the
// ingest lease. Returns ErrLeaseLost otherwise.
func (r *Repository) AdvanceCursor(ctx context.Context, ref Ref, owner, cursor string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(ref),
		UpdateExpression:    aws.String("SET " + AttrCursor + " = :cursor, " + AttrUpdatedAt + " = :now"),
		ConditionExpression: aws.String(LeaseIngest.ownerAttr() + " = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cursor": &types.AttributeValueMemberS{Value: cursor},
			":owner":  &types.AttributeValueMemberS{Value: owner},
			":now":    &types.AttributeValueMemberS{Value: dynamo.FormatTime(r.now())},
		},
	})
	if err != nil {
		if dynamo.IsConditionFailed(err) {
			return ErrLeaseLost
		}
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (r *Repository) update(ctx context.Context, ref Ref, expr string, values map[string]types.AttributeValue) error {
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(ref),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(" + dynamo.AttrPK + ")"),
		ExpressionAttributeValues: values,
	}
	if strings.Contains(expr, "#status") {
		input.ExpressionAttributeNames = map[string]string{"#status": AttrStatus}
	}

	_, err := r.client.UpdateItem(ctx, input)
	if err != nil {
		if dynamo.IsConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update connection: %w", err)
	}
	return nil
}

func unmarshalConnection(item map[string]types.AttributeValue) *Connection {
	status := Status(dynamo.String(item, AttrStatus))
	if status == "" {
		status = StatusActive
	}
	return &Connection{
		AccountID:          dynamo.String(item, AttrAccountID),
		ConnectionID:       dynamo.String(item, AttrConnectionID),
		EmailAddress:       dynamo.String(item, AttrEmailAddress),
		SealedAccessToken:  dynamo.String(item, AttrSealedAccessToken),
		SealedRefreshToken: dynamo.String(item, AttrSealedRefreshToken),
		TokenType:          dynamo.String(item, AttrTokenType),
		Scopes:             dynamo.Strings(item, AttrScopes),
		TokenExpiry:        dynamo.Time(item, AttrTokenExpiry),
		Cursor:             dynamo.String(item, AttrCursor),
		WatchExpiry:        dynamo.Time(item, AttrWatchExpiry),
		PolicyID:           dynamo.String(item, AttrPolicyID),
		Status:             status,
		DegradedReason:     dynamo.String(item, AttrDegradedReason),
		UpdatedAt:          dynamo.Time(item, AttrUpdatedAt),
	}
}
