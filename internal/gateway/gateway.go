// Package gateway defines the message sending port used by the dispatcher
// and a simulated implementation of it.
package gateway

import (
	"context"
	"errors"

	"broadcastd/internal/content"
)

var (
	ErrMissingCredentials = errors.New("Missing credentials")
	ErrRejected           = errors.New("invalid phone number format or API limit reached")
)

// Credentials authenticate a run against the provider. They are read-only
// for the lifetime of a run and never logged.
type Credentials struct {
	AccessToken   string `json:"access_token"`
	PhoneNumberID string `json:"phone_number_id"`
}

// Complete reports whether both fields are non-empty. Values are taken
// as given; whitespace is not trimmed.
func (c Credentials) Complete() bool {
	return c.AccessToken != "" && c.PhoneNumberID != ""
}

// Gateway sends one message to one recipient and returns the provider's
// message id on success.
//
// Implementations should honor ctx cancellation when they block.
type Gateway interface {
	Send(ctx context.Context, to string, msg content.Message, cred Credentials) (string, error)
}

// Func adapts a plain function to Gateway.
type Func func(ctx context.Context, to string, msg content.Message, cred Credentials) (string, error)

func (f Func) Send(ctx context.Context, to string, msg content.Message, cred Credentials) (string, error) {
	return f(ctx, to, msg, cred)
}
