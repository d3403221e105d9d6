package ticket

import (
	"crypto/sha256"
	"encoding/json"
	"strings"

	jose "github.com/AccelByte/go-jose"
	"github.com/rotisserie/eris"
)

var (
	ErrMalformedAuthorization = eris.New("malformed authorization")
	ErrUnauthorized           = eris.New("unauthorized")
)

// authorizationFields is the token count of "<scheme> <scheme> <ciphertext> <plaintext-json> <signature>".
const authorizationFields = 5

// Ticket is the decoded matchmaking request carried by one connection.
type Ticket struct {
	AccountID    string         `json:"accountId"`
	BucketID     string         `json:"bucketId"`
	Region       string         `json:"region"`
	Season       int            `json:"season"`
	UserAgent    string         `json:"userAgent"`
	Playlist     string         `json:"playlist"`
	SessionID    string         `json:"sessionId,omitempty"`
	MatchID      string         `json:"matchId,omitempty"`
	PartyMembers []string       `json:"partyMembers,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Codec seals and opens compact JWE tokens with a key derived from the shared service secret.
type Codec struct {
	key []byte
}

func NewCodec(secret string) *Codec {
	sum := sha256.Sum256([]byte(secret))
	return &Codec{key: sum[:]}
}

// Seal encrypts the JSON form of v.
func (c *Codec) Seal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "value is not json serializable")
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: c.key}, nil)
	if err != nil {
		return "", eris.Wrap(err, "unable to build encrypter")
	}
	obj, err := enc.Encrypt(b)
	if err != nil {
		return "", eris.Wrap(err, "encryption failed")
	}
	return obj.CompactSerialize()
}

// Open decrypts token and unmarshals the plaintext into v. Every failure is ErrUnauthorized.
func (c *Codec) Open(token string, v any) error {
	obj, err := jose.ParseEncrypted(token)
	if err != nil {
		return eris.Wrap(ErrUnauthorized, "token is not a JWE")
	}
	b, err := obj.Decrypt(c.key)
	if err != nil {
		return eris.Wrap(ErrUnauthorized, "token decryption failed")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return eris.Wrap(ErrUnauthorized, "token payload is not valid json")
	}
	return nil
}

// Decode parses an Authorization value into a Ticket.
func (c *Codec) Decode(authorization string) (*Ticket, error) {
	fields := strings.Fields(authorization)
	if len(fields) != authorizationFields {
		return nil, eris.Wrapf(ErrMalformedAuthorization, "expected %d fields, got %d", authorizationFields, len(fields))
	}
	var t Ticket
	if err := c.Open(fields[authorizationFields-1], &t); err != nil {
		return nil, err
	}
	if t.AccountID == "" {
		return nil, eris.Wrap(ErrUnauthorized, "ticket carries no account id")
	}
	return &t, nil
}

// Authorization builds a header value Decode accepts, for game clients and tests.
func (c *Codec) Authorization(t *Ticket) (string, error) {
	sig, err := c.Seal(t)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(map[string]string{"accountId": t.AccountID, "bucketId": t.BucketID})
	if err != nil {
		return "", eris.Wrap(err, "unable to encode plaintext part")
	}
	return strings.Join([]string{"Epic-Signed", "mms-player", "-", compact(plain), sig}, " "), nil
}

// compact keeps the plaintext part a single header token.
func compact(b []byte) string {
	return strings.ReplaceAll(string(b), " ", "")
}
