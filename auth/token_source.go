package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/jkoelker/newtab/identity"
)

// TokenType is reported on oauth2 tokens produced by TokenSource.
const TokenType = "Extension"

type tokenSource struct {
	ctx     context.Context //nolint:containedctx // oauth2.TokenSource has no context parameter
	service *TokenService
}

// TokenSource exposes the current credentials as an oauth2.TokenSource.
// Tokens expire at their mint time plus the validity window and are
// reused until then.
func (s *TokenService) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{ctx: ctx, service: s})
}

func (t *tokenSource) Token() (*oauth2.Token, error) {
	creds, err := t.service.GetValidToken(t.ctx)
	if err != nil {
		return nil, err
	}

	payload, err := identity.ParseToken(creds.Token)
	if err != nil {
		return nil, fmt.Errorf("minted token unreadable: %w", err)
	}

	token := &oauth2.Token{
		AccessToken: creds.Token,
		TokenType:   TokenType,
		Expiry:      payload.IssuedAt().Add(identity.TokenValidity),
	}

	return token.WithExtra(map[string]any{
		"extension_id": creds.Identity.ExtensionID,
		"fingerprint":  creds.Identity.Fingerprint,
	}), nil
}
