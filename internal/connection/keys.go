package connection

// Key prefixes.
const (
	PrefixConnection = "CONNECTION#"
	PrefixMailbox    = "MAILBOX#"

	// SubscriptionPartition is the single GSI1 partition holding every
	// connection with an active change subscription.
	SubscriptionPartition = "SUBSCRIPTION"
)

// Attribute names for DynamoDB items.
const (
	AttrAccountID          = "accountId"
	AttrConnectionID       = "connectionId"
	AttrEmailAddress       = "emailAddress"
	AttrSealedAccessToken  = "accessToken"
	AttrSealedRefreshToken = "refreshToken"
	AttrTokenType          = "tokenType"
	AttrScopes             = "scopes"
	AttrTokenExpiry        = "tokenExpiry"
	AttrCursor             = "cursor"
	AttrWatchExpiry        = "watchExpiry"
	AttrPolicyID           = "policyId"
	AttrStatus             = "status"
	AttrDegradedReason     = "degradedReason"
	AttrUpdatedAt          = "updatedAt"
)
