package policy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/mail-alert-service/internal/dynamo"
)

const (
	PrefixPolicy = "POLICY#"

	AttrMode                  = "mode"
	AttrWatch                 = "watchKeywords"
	AttrIgnore                = "ignoreKeywords"
	AttrFirstTimeSender       = "firstTimeSender"
	AttrThreadReplies         = "threadReplies"
	AttrDeadlineDetection     = "deadlineDetection"
	AttrSubscriptionDetection = "subscriptionDetection"
)

// Repository reads filter policies. Policies are edited elsewhere; the
// pipeline only reads them.
type Repository struct {
	client    dynamo.Client
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client dynamo.Client, tableName string) *Repository {
	return &Repository{client: client, tableName: tableName}
}

// Resolve returns the named policy, falling back to the account's default
// policy and then to the built-in Default. The result is normalised.
func (r *Repository) Resolve(ctx context.Context, accountID, policyID string) (Policy, error) {
	ids := []string{DefaultID}
	if policyID != "" && policyID != DefaultID {
		ids = []string{policyID, DefaultID}
	}
	for _, id := range ids {
		p, found, err := r.get(ctx, accountID, id)
		if err != nil {
			return Policy{}, err
		}
		if found {
			return p.Normalize(), nil
		}
	}
	return Default(), nil
}

func (r *Repository) get(ctx context.Context, accountID, policyID string) (Policy, bool, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.AccountPK(accountID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: PrefixPolicy + policyID},
		},
	})
	if err != nil {
		return Policy{}, false, fmt.Errorf("get policy %s: %w", policyID, err)
	}
	if output.Item == nil {
		return Policy{}, false, nil
	}

	item := output.Item
	p := Policy{
		ID:     policyID,
		Mode:   Mode(dynamo.String(item, AttrMode)),
		Watch:  dynamo.Strings(item, AttrWatch),
		Ignore: dynamo.Strings(item, AttrIgnore),
	}
	// Toggles default on when the attribute is missing.
	p.FirstTimeSender = boolOr(item, AttrFirstTimeSender, true)
	p.ThreadReplies = boolOr(item, AttrThreadReplies, true)
	p.DeadlineDetection = boolOr(item, AttrDeadlineDetection, true)
	p.SubscriptionDetection = boolOr(item, AttrSubscriptionDetection, true)
	return p, true, nil
}

func boolOr(item map[string]types.AttributeValue, key string, def bool) bool {
	if _, ok := item[key]; !ok {
		return def
	}
	return dynamo.Bool(item, key)
}
