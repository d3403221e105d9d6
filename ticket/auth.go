package ticket

import (
	"context"
	"net/http"

	"dedicated-matchmaker/accounts"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// Authenticator admits an upgrade request: decode the ticket, then check the account.
type Authenticator struct {
	codec    *Codec
	accounts accounts.Lookup
}

func NewAuthenticator(codec *Codec, lookup accounts.Lookup) *Authenticator {
	return &Authenticator{codec: codec, accounts: lookup}
}

func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Ticket, error) {
	t, err := a.codec.Decode(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	acct, err := a.accounts.Find(ctx, t.AccountID)
	if err != nil {
		if !eris.Is(err, accounts.ErrNotFound) {
			log.Error().Err(err).Str("accountId", t.AccountID).Msg("ticket: account lookup failed")
		}
		return nil, eris.Wrapf(ErrUnauthorized, "account %s not admitted", t.AccountID)
	}
	if acct.Banned {
		log.Info().Str("accountId", t.AccountID).Msg("ticket: banned account rejected")
		return nil, eris.Wrapf(ErrUnauthorized, "account %s is banned", t.AccountID)
	}
	return t, nil
}

// StatusCode maps an authentication failure to the HTTP status used to reject the upgrade.
func StatusCode(err error) int {
	if eris.Is(err, ErrMalformedAuthorization) {
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}
