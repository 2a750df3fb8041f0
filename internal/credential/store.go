package credential

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
)

// ErrDegraded is returned for connections awaiting re-authorisation.
var ErrDegraded = errors.New("connection needs re-authorisation")

const (
	defaultLeaseTTL  = 30 * time.Second
	defaultLeaseWait = 500 * time.Millisecond
	maxLeaseWaits    = 20
)

// ConnectionStore is the connection persistence the credential store needs.
type ConnectionStore interface {
	Get(ctx context.Context, ref connection.Ref) (*connection.Connection, error)
	UpdateCredential(ctx context.Context, ref connection.Ref, update connection.CredentialUpdate) error
	MarkDegraded(ctx context.Context, ref connection.Ref, reason string) error
	UpdateSubscription(ctx context.Context, ref connection.Ref, expiry time.Time) error
	AcquireLease(ctx context.Context, ref connection.Ref, name connection.LeaseName, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, ref connection.Ref, name connection.LeaseName, owner string) error
}

// MailboxOpener opens a provider client for an access token.
type MailboxOpener interface {
	Open(ctx context.Context, accessToken, tokenType string) (gmail.Mailbox, error)
}

// Handle is a usable credential for one connection, with the connection
// snapshot it was read from.
type Handle struct {
	Connection connection.Connection
	Credential Credential
}

// Ref returns the connection identity.
func (h Handle) Ref() connection.Ref {
	return h.Connection.Ref()
}

// Config holds Store settings.
type Config struct {
	// Topic is the Pub/Sub topic push notifications are delivered to.
	Topic string
	// LeaseTTL bounds how long a crashed refresher can block others.
	LeaseTTL time.Duration
	// LeaseWait is the poll interval while another refresher holds the lease.
	LeaseWait time.Duration
}

// Store hands out usable credentials and renews change subscriptions.
type Store struct {
	conns     ConnectionStore
	sealer    *Sealer
	refresher Refresher
	opener    MailboxOpener
	topic     string
	leaseTTL  time.Duration
	leaseWait time.Duration
	now       func() time.Time
	newOwner  func() string
}

// NewStore creates a new Store.
func NewStore(conns ConnectionStore, sealer *Sealer, refresher Refresher, opener MailboxOpener, cfg Config) *Store {
	s := &Store{
		conns:     conns,
		sealer:    sealer,
		refresher: refresher,
		opener:    opener,
		topic:     cfg.Topic,
		leaseTTL:  cfg.LeaseTTL,
		leaseWait: cfg.LeaseWait,
		now:       time.Now,
		newOwner:  uuid.NewString,
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = defaultLeaseTTL
	}
	if s.leaseWait <= 0 {
		s.leaseWait = defaultLeaseWait
	}
	return s
}

// GetUsableHandle returns an unexpired credential for ref, refreshing and
// persisting it first when needed.
func (s *Store) GetUsableHandle(ctx context.Context, ref connection.Ref) (Handle, error) {
	tracer := tracing.Tracer("mail-alert-credential")
	ctx, span := tracer.Start(ctx, "credential.GetUsableHandle",
		trace.WithAttributes(
			tracing.AccountID(ref.AccountID),
			attribute.String("connection_id", ref.ConnectionID),
		))
	defer span.End()

	h, err := s.load(ctx, ref)
	if err != nil {
		tracing.RecordError(span, err)
		return Handle{}, err
	}
	if !h.Credential.Expired(s.now()) {
		return h, nil
	}

	span.SetAttributes(attribute.Bool("refreshed", true))
	h, err = s.refresh(ctx, ref, h.Credential.AccessToken)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return h, err
}

// ForceRefresh refreshes after the provider rejected stale. If another
// refresher already replaced it, that newer credential is returned instead.
func (s *Store) ForceRefresh(ctx context.Context, ref connection.Ref, stale Credential) (Handle, error) {
	return s.refresh(ctx, ref, stale.AccessToken)
}

// RenewSubscription re-registers the provider's push subscription and
// records its new expiry. The cursor is not read or written.
func (s *Store) RenewSubscription(ctx context.Context, ref connection.Ref) (time.Time, error) {
	tracer := tracing.Tracer("mail-alert-credential")
	ctx, span := tracer.Start(ctx, "credential.RenewSubscription",
		trace.WithAttributes(
			tracing.AccountID(ref.AccountID),
			attribute.String("connection_id", ref.ConnectionID),
		))
	defer span.End()

	sess, err := s.Open(ctx, ref)
	if err != nil {
		tracing.RecordError(span, err)
		return time.Time{}, err
	}

	var res gmail.WatchResult
	err = sess.Do(ctx, func(mb gmail.Mailbox) error {
		var err error
		res, err = mb.Watch(ctx, s.topic, []string{gmail.InboxLabel})
		return err
	})
	if err != nil {
		tracing.RecordError(span, err)
		if failure.Is(err, failure.KindCredential) {
			return time.Time{}, err
		}
		return time.Time{}, failure.NewRetryable(failure.KindSubscription, "watch", err)
	}

	if err := s.conns.UpdateSubscription(ctx, ref, res.Expiration); err != nil {
		tracing.RecordError(span, err)
		return time.Time{}, failure.NewRetryable(failure.KindSubscription, "persist subscription", err)
	}
	return res.Expiration, nil
}

// Open returns a Session for ref.
func (s *Store) Open(ctx context.Context, ref connection.Ref) (*Session, error) {
	h, err := s.GetUsableHandle(ctx, ref)
	if err != nil {
		return nil, err
	}
	mb, err := s.opener.Open(ctx, h.Credential.AccessToken, h.Credential.TokenType)
	if err != nil {
		return nil, failure.NewRetryable(failure.KindCredential, "open mailbox", err)
	}
	return &Session{store: s, handle: h, mailbox: mb}, nil
}

func (s *Store) load(ctx context.Context, ref connection.Ref) (Handle, error) {
	conn, err := s.conns.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return Handle{}, failure.New(failure.KindCredential, "load connection", err)
		}
		return Handle{}, failure.NewRetryable(failure.KindCredential, "load connection", err)
	}
	if conn.Status == connection.StatusDegraded {
		return Handle{}, failure.New(failure.KindCredential, "load connection", ErrDegraded)
	}

	ad := ref.String()
	access, err := s.sealer.Open(conn.SealedAccessToken, ad)
	if err == nil {
		var refresh string
		refresh, err = s.sealer.Open(conn.SealedRefreshToken, ad)
		if err == nil {
			return Handle{
				Connection: *conn,
				Credential: Credential{
					AccessToken:  access,
					RefreshToken: refresh,
					TokenType:    conn.TokenType,
					Expiry:       conn.TokenExpiry,
					Scopes:       append([]string(nil), conn.Scopes...),
				},
			}, nil
		}
	}
	return Handle{}, s.degrade(ctx, ref, "open credential", err)
}

func (s *Store) refresh(ctx context.Context, ref connection.Ref, stale string) (Handle, error) {
	owner := s.newOwner()
	for waits := 0; ; waits++ {
		err := s.conns.AcquireLease(ctx, ref, connection.LeaseRefresh, owner, s.leaseTTL)
		if err == nil {
			break
		}
		if errors.Is(err, connection.ErrNotFound) {
			return Handle{}, failure.New(failure.KindCredential, "acquire refresh lease", err)
		}
		if !errors.Is(err, connection.ErrLeaseHeld) || waits >= maxLeaseWaits {
			return Handle{}, failure.NewRetryable(failure.KindCredential, "acquire refresh lease", err)
		}

		if err := sleep(ctx, s.leaseWait); err != nil {
			return Handle{}, failure.NewRetryable(failure.KindCredential, "wait for refresh lease", err)
		}
		if h, ok, err := s.replaced(ctx, ref, stale); err != nil || ok {
			return h, err
		}
	}
	defer func() {
		_ = s.conns.ReleaseLease(context.WithoutCancel(ctx), ref, connection.LeaseRefresh, owner)
	}()

	// Re-read under the lease: a concurrent refresher may have finished
	// between our read and our acquire.
	h, err := s.load(ctx, ref)
	if err != nil {
		return Handle{}, err
	}
	if h.Credential.AccessToken != stale && !h.Credential.Expired(s.now()) {
		return h, nil
	}

	next, err := s.refresher.Refresh(ctx, h.Credential)
	if err != nil {
		if errors.Is(err, ErrRevoked) {
			return Handle{}, s.degrade(ctx, ref, "refresh", err)
		}
		return Handle{}, failure.NewRetryable(failure.KindCredential, "refresh", err)
	}

	update := connection.CredentialUpdate{TokenType: next.TokenType, TokenExpiry: next.Expiry}
	ad := ref.String()
	if update.SealedAccessToken, err = s.sealer.Seal(next.AccessToken, ad); err != nil {
		return Handle{}, failure.NewRetryable(failure.KindCredential, "seal access token", err)
	}
	if next.RefreshToken != h.Credential.RefreshToken {
		if update.SealedRefreshToken, err = s.sealer.Seal(next.RefreshToken, ad); err != nil {
			return Handle{}, failure.NewRetryable(failure.KindCredential, "seal refresh token", err)
		}
	}
	if err := s.conns.UpdateCredential(ctx, ref, update); err != nil {
		return Handle{}, failure.NewRetryable(failure.KindCredential, "persist credential", err)
	}

	h.Connection.TokenExpiry = next.Expiry
	h.Connection.TokenType = next.TokenType
	h.Credential = next
	return h, nil
}

// replaced reports whether the stored credential has moved on from stale
// and is usable.
func (s *Store) replaced(ctx context.Context, ref connection.Ref, stale string) (Handle, bool, error) {
	h, err := s.load(ctx, ref)
	if err != nil {
		return Handle{}, false, err
	}
	if h.Credential.AccessToken != stale && !h.Credential.Expired(s.now()) {
		return h, true, nil
	}
	return Handle{}, false, nil
}

// degrade marks the connection as needing re-authorisation and returns the
// terminal credential error.
func (s *Store) degrade(ctx context.Context, ref connection.Ref, op string, cause error) error {
	if err := s.conns.MarkDegraded(ctx, ref, cause.Error()); err != nil {
		return failure.NewRetryable(failure.KindCredential, "mark degraded", errors.Join(cause, err))
	}
	return failure.New(failure.KindCredential, op, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
