// Package processed records which provider messages a connection has
// already run through the pipeline, so a re-resolved history range does not
// alert twice.
//
// A marker is written as claimed before the message is scored and flipped
// to done once its outcome is final. Only the holder of the connection's
// ingest lease claims markers, so a claimed marker seen by a later run was
// left by a run that died or gave up, and is taken over.
package processed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/mail-alert-service/internal/dynamo"
)

const (
	PrefixProcessed = "PROCESSED#"

	AttrState       = "state"
	AttrProcessedAt = "processedAt"

	StateClaimed = "claimed"
	StateDone    = "done"

	// Retention bounds how long a marker survives; history replays older
	// than this are cut off by cursor expiry anyway.
	Retention = 14 * 24 * time.Hour
)

// Store claims processed-message markers.
// PK: ACCOUNT#{accountId}  SK: PROCESSED#{connectionId}#{messageId}
type Store struct {
	client    dynamo.Client
	tableName string
	now       func() time.Time
}

// NewStore creates a new Store.
func NewStore(client dynamo.Client, tableName string) *Store {
	return &Store{client: client, tableName: tableName, now: time.Now}
}

func markerSK(connectionID, messageID string) string {
	return PrefixProcessed + connectionID + "#" + messageID
}

// Claim marks messageID as in progress. It returns false once the message
// is done. A marker still in the claimed state is taken over.
func (s *Store) Claim(ctx context.Context, accountID, connectionID, messageID string) (bool, error) {
	now := s.now()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			dynamo.AttrPK:   &types.AttributeValueMemberS{Value: dynamo.AccountPK(accountID)},
			dynamo.AttrSK:   &types.AttributeValueMemberS{Value: markerSK(connectionID, messageID)},
			AttrState:       &types.AttributeValueMemberS{Value: StateClaimed},
			AttrProcessedAt: &types.AttributeValueMemberS{Value: dynamo.FormatTime(now)},
			dynamo.AttrTTL:  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(Retention).Unix(), 10)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(" + dynamo.AttrPK + ") OR #state = :claimed"),
		ExpressionAttributeNames: map[string]string{"#state": AttrState},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":claimed": &types.AttributeValueMemberS{Value: StateClaimed},
		},
	})
	if err != nil {
		if dynamo.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim processed marker: %w", err)
	}
	return true, nil
}

// Complete marks a claimed message done so later runs skip it.
func (s *Store) Complete(ctx context.Context, accountID, connectionID, messageID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.AccountPK(accountID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: markerSK(connectionID, messageID)},
		},
		UpdateExpression:         aws.String("SET #state = :done, #at = :now"),
		ConditionExpression:      aws.String("attribute_exists(" + dynamo.AttrPK + ")"),
		ExpressionAttributeNames: map[string]string{"#state": AttrState, "#at": AttrProcessedAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StateDone},
			":now":  &types.AttributeValueMemberS{Value: dynamo.FormatTime(s.now())},
		},
	})
	if err != nil {
		return fmt.Errorf("complete processed marker: %w", err)
	}
	return nil
}
