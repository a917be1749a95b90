package backend

import (
	"context"
	"errors"
	"fmt"
)

// Identity resolves the Supabase user behind an access token.
type Identity struct {
	c *Client
}

func NewIdentity(c *Client) *Identity { return &Identity{c: c} }

func (i *Identity) UserID(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("token is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	user, err := i.c.sb.Auth.WithToken(token).GetUser()
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return user.ID.String(), nil
}
