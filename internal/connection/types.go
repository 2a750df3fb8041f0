// Package connection provides storage for mailbox connections: one
// authorised (account, external mailbox) pair with its sealed credentials,
// change-subscription state and history cursor.
package connection

import (
	"fmt"
	"strings"
	"time"

	"github.com/jarrod-lowe/mail-alert-service/internal/dynamo"
)

// Status is the health of a connection's credentials.
type Status string

const (
	// StatusActive means the credentials are usable.
	StatusActive Status = "active"
	// StatusDegraded means the refresh token was rejected; the user must
	// re-authorise. Degraded connections are kept, never deleted.
	StatusDegraded Status = "degraded"
)

// Ref identifies a connection.
type Ref struct {
	AccountID    string
	ConnectionID string
}

func (r Ref) String() string {
	return r.AccountID + "/" + r.ConnectionID
}

// Connection is a mailbox connection as stored in DynamoDB.
// PK: ACCOUNT#{accountId}
// SK: CONNECTION#{connectionId}
type Connection struct {
	AccountID          string
	ConnectionID       string
	EmailAddress       string
	SealedAccessToken  string
	SealedRefreshToken string
	TokenType          string
	Scopes             []string
	TokenExpiry        time.Time
	// Cursor is the provider history id; empty until the first baseline.
	Cursor         string
	WatchExpiry    time.Time
	PolicyID       string
	Status         Status
	DegradedReason string
	UpdatedAt      time.Time
}

// Ref returns the connection's identity.
func (c *Connection) Ref() Ref {
	return Ref{AccountID: c.AccountID, ConnectionID: c.ConnectionID}
}

// PK returns the DynamoDB partition key for this connection.
func (c *Connection) PK() string {
	return dynamo.AccountPK(c.AccountID)
}

// SK returns the DynamoDB sort key for this connection.
func (c *Connection) SK() string {
	return PrefixConnection + c.ConnectionID
}

// LeaseName selects one of the per-connection advisory locks.
type LeaseName string

const (
	// LeaseIngest guards cursor read, change resolution and cursor advance.
	LeaseIngest LeaseName = "ingest"
	// LeaseRefresh guards token refresh.
	LeaseRefresh LeaseName = "refresh"
)

func (n LeaseName) ownerAttr() string  { return string(n) + "LeaseOwner" }
func (n LeaseName) expiryAttr() string { return string(n) + "LeaseExpiry" }

// mailboxKey is the GSI2 partition key used to resolve push notifications,
// which identify a mailbox by address only.
func mailboxKey(email string) string {
	return PrefixMailbox + strings.ToLower(strings.TrimSpace(email))
}

// subscriptionSortKey orders connections by subscription expiry in GSI1.
func subscriptionSortKey(expiry time.Time, ref Ref) string {
	return fmt.Sprintf("%s#%s#%s", dynamo.FormatTime(expiry), ref.AccountID, ref.ConnectionID)
}
