package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// BasicRealm is announced in WWW-Authenticate challenges.
const BasicRealm = "imgstk Admin"

var errMissingCredentials = errors.New("basic auth user and password must be provided")

// BasicCredentials holds the single administrator login.
type BasicCredentials struct {
	user     [sha256.Size]byte
	password [sha256.Size]byte
	username string
}

func NewBasicCredentials(user, password string) (*BasicCredentials, error) {
	if strings.TrimSpace(user) == "" || password == "" {
		return nil, errMissingCredentials
	}
	return &BasicCredentials{
		user:     sha256.Sum256([]byte(user)),
		password: sha256.Sum256([]byte(password)),
		username: user,
	}, nil
}

// Username returns the configured administrator name.
func (c *BasicCredentials) Username() string {
	return c.username
}

// Matches compares in constant time. Both sides are hashed first so the
// comparison does not leak the configured lengths.
func (c *BasicCredentials) Matches(user, password string) bool {
	userDigest := sha256.Sum256([]byte(user))
	passwordDigest := sha256.Sum256([]byte(password))
	userOK := subtle.ConstantTimeCompare(userDigest[:], c.user[:])
	passwordOK := subtle.ConstantTimeCompare(passwordDigest[:], c.password[:])
	return userOK&passwordOK == 1
}
