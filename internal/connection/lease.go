package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/mail-alert-service/internal/dynamo"
)

// AcquireLease takes the named per-connection lease for owner until
// now+ttl. A lease whose expiry has passed may be taken over, so a crashed
// holder cannot wedge the connection. Returns ErrLeaseHeld if a live owner
// holds it and ErrNotFound if the connection does not exist.
func (r *Repository) AcquireLease(ctx context.Context, ref Ref, name LeaseName, owner string, ttl time.Duration) error {
	now := r.now()
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              r.key(ref),
		UpdateExpression: aws.String("SET #owner = :owner, #expiry = :expiry"),
		ConditionExpression: aws.String("attribute_exists(" + dynamo.AttrPK + ") AND " +
			"(attribute_not_exists(#owner) OR #owner = :owner OR #expiry < :now)"),
		ExpressionAttributeNames: map[string]string{
			"#owner":  name.ownerAttr(),
			"#expiry": name.expiryAttr(),
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":  &types.AttributeValueMemberS{Value: owner},
			":expiry": &types.AttributeValueMemberS{Value: dynamo.FormatTime(now.Add(ttl))},
			":now":    &types.AttributeValueMemberS{Value: dynamo.FormatTime(now)},
		},
	})
	if err != nil {
		if dynamo.IsConditionFailed(err) {
			if _, getErr := r.Get(ctx, ref); getErr == ErrNotFound {
				return ErrNotFound
			}
			return ErrLeaseHeld
		}
		return fmt.Errorf("acquire %s lease: %w", name, err)
	}
	return nil
}

// ReleaseLease drops the named lease if owner still holds it. Releasing a
// lease that was taken over is not an error.
func (r *Repository) ReleaseLease(ctx context.Context, ref Ref, name LeaseName, owner string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(ref),
		UpdateExpression:    aws.String("REMOVE #owner, #expiry"),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner":  name.ownerAttr(),
			"#expiry": name.expiryAttr(),
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil && !dynamo.IsConditionFailed(err) {
		return fmt.Errorf("release %s lease: %w", name, err)
	}
	return nil
}
