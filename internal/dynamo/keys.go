// Package dynamo provides shared DynamoDB constants and utilities.
package dynamo

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// Key prefixes.
	PrefixAccount = "ACCOUNT#"

	// GSI key attributes.
	AttrGSI1PK = "gsi1pk"
	AttrGSI1SK = "gsi1sk"
	AttrGSI2PK = "gsi2pk"
	AttrGSI2SK = "gsi2sk"

	// Index names.
	IndexGSI1 = "gsi1"
	IndexGSI2 = "gsi2"

	// AttrTTL is the table's time-to-live attribute (unix seconds).
	AttrTTL = "ttl"
)

// AccountPK returns the partition key for items owned by an account.
func AccountPK(accountID string) string {
	return PrefixAccount + accountID
}
