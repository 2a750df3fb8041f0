package credential

import (
	"context"
	"errors"

	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
)

// Session pairs a usable credential with an open mailbox. It is not safe for
// concurrent use.
type Session struct {
	store   *Store
	handle  Handle
	mailbox gmail.Mailbox
}

// Handle returns the credential the session currently uses.
func (s *Session) Handle() Handle {
	return s.handle
}

// Do runs fn against the mailbox. If the provider rejects the access token,
// the credential is force-refreshed and fn is retried once.
func (s *Session) Do(ctx context.Context, fn func(gmail.Mailbox) error) error {
	err := fn(s.mailbox)
	if !errors.Is(err, gmail.ErrUnauthorized) {
		return err
	}

	h, err := s.store.ForceRefresh(ctx, s.handle.Ref(), s.handle.Credential)
	if err != nil {
		return err
	}
	mb, err := s.store.opener.Open(ctx, h.Credential.AccessToken, h.Credential.TokenType)
	if err != nil {
		return failure.NewRetryable(failure.KindCredential, "open mailbox", err)
	}
	s.handle, s.mailbox = h, mb

	err = fn(mb)
	if errors.Is(err, gmail.ErrUnauthorized) {
		// A freshly refreshed token was rejected too: access was withdrawn.
		return s.store.degrade(ctx, h.Ref(), "provider call", err)
	}
	return err
}
