package handshake

import (
	"strings"

	"dedicated-matchmaker/ticket"

	"github.com/rotisserie/eris"
)

// authorizationFields is the token count of "<scheme> <envelope> <session-ticket>".
const authorizationFields = 3

const scheme = "Epic-Signed"

// Envelope is the signed description of the match a dedicated server is about to host.
type Envelope struct {
	BucketID string     `json:"bucketId"`
	Region   string     `json:"region"`
	Playlist string     `json:"playlist"`
	Teams    [][]string `json:"teams"`
	BuildID  string     `json:"buildId"`
}

// SessionTicket names the server record the dedicated server was started for.
type SessionTicket struct {
	SessionID string `json:"sessionId"`
}

// Decode opens both sealed parts of a handshake Authorization value.
func Decode(codec *ticket.Codec, authorization string) (*Envelope, *SessionTicket, error) {
	fields := strings.Fields(authorization)
	if len(fields) != authorizationFields {
		return nil, nil, eris.Wrapf(ticket.ErrMalformedAuthorization, "expected %d fields, got %d", authorizationFields, len(fields))
	}
	var env Envelope
	if err := codec.Open(fields[1], &env); err != nil {
		return nil, nil, eris.Wrap(err, "envelope")
	}
	var st SessionTicket
	if err := codec.Open(fields[2], &st); err != nil {
		return nil, nil, eris.Wrap(err, "session ticket")
	}
	if env.BucketID == "" || st.SessionID == "" {
		return nil, nil, eris.Wrap(ticket.ErrUnauthorized, "handshake carries no bucket or session id")
	}
	return &env, &st, nil
}

// Authorization seals env and st into a value Decode accepts.
func Authorization(codec *ticket.Codec, env *Envelope, st *SessionTicket) (string, error) {
	sealedEnv, err := codec.Seal(env)
	if err != nil {
		return "", err
	}
	sealedTicket, err := codec.Seal(st)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{scheme, sealedEnv, sealedTicket}, " "), nil
}
