package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Identity verifies buyers against the user service
type Identity interface {
	VerifyUser(ctx context.Context, userID string) error
}

// IdentityClient logs in with a privileged service account and looks users up
type IdentityClient struct {
	client   *resty.Client
	username string
	password string
}

type accessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// NewIdentityClient creates a client for the user service
func NewIdentityClient(baseURL, username, password string, timeout time.Duration) *IdentityClient {
	return &IdentityClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		username: username,
		password: password,
	}
}

// Login exchanges the service credentials for a bearer token
func (c *IdentityClient) Login(ctx context.Context) (string, error) {
	var token accessToken
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.username,
			"password": c.password,
		}).
		SetResult(&token).
		Post("/login/access-token")
	if err != nil {
		return "", fmt.Errorf("%w: login: %w", ErrIdentityUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: login: status %d", ErrIdentityUnavailable, resp.StatusCode())
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: login: empty access token", ErrIdentityUnavailable)
	}
	return token.AccessToken, nil
}

// VerifyUser confirms the user exists and is reachable
func (c *IdentityClient) VerifyUser(ctx context.Context, userID string) error {
	token, err := c.Login(ctx)
	if err != nil {
		return err
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("id", userID).
		Get("/users/{id}")
	if err != nil {
		return fmt.Errorf("%w: get user %s: %w", ErrIdentityUnavailable, userID, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	case resp.IsError():
		return fmt.Errorf("%w: get user %s: status %d", ErrIdentityUnavailable, userID, resp.StatusCode())
	}
	return nil
}
