// Package auth holds the relay's static identity → secret mapping.
//
// Secrets are either plain strings or bcrypt hashes ("$2a$", "$2b$", "$2y$").
// Plain secrets are compared in constant time over SHA-256 digests so that
// neither the secret nor its length leaks through timing.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrNoUsers            = errors.New("no users configured")
)

// Credentials maps user identities to secrets. It is read-only after
// construction and therefore safe for concurrent use.
type Credentials struct {
	secrets map[string]string
}

// New builds Credentials from a map, rejecting empty identities or secrets.
func New(users map[string]string) (*Credentials, error) {
	c := &Credentials{secrets: make(map[string]string, len(users))}
	for user, secret := range users {
		user = strings.TrimSpace(user)
		if user == "" || secret == "" {
			return nil, fmt.Errorf("empty username or password for %q", user)
		}
		c.secrets[user] = secret
	}
	if len(c.secrets) == 0 {
		return nil, ErrNoUsers
	}
	return c, nil
}

// Users returns the configured identities in sorted order.
func (c *Credentials) Users() []string {
	out := make([]string, 0, len(c.secrets))
	for u := range c.secrets {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Verify checks password against the secret stored for user.
func (c *Credentials) Verify(user, password string) error {
	if user == "" || password == "" {
		return ErrMissingCredentials
	}
	expected, ok := c.secrets[user]
	if !ok {
		// Compare against a dummy so unknown users cost the same.
		expected = "\x00invalid"
	}

	if isBcrypt(expected) {
		if bcrypt.CompareHashAndPassword([]byte(expected), []byte(password)) != nil || !ok {
			return ErrInvalidCredentials
		}
		return nil
	}

	expectedH := sha256.Sum256([]byte(expected))
	passwordH := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(expectedH[:], passwordH[:]) != 1 || !ok {
		return ErrInvalidCredentials
	}
	return nil
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Parse reads the "user1:secret1,user2:secret2" format. Secrets may contain
// ':' (bcrypt hashes do not, but passwords might); only the first separates.
func Parse(s string) (map[string]string, error) {
	users := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]
		password := pair[idx+1:]
		if username == "" || password == "" {
			return nil, fmt.Errorf("empty username or password in entry %d", len(users)+1)
		}
		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q", username)
		}
		users[username] = password
	}
	return users, nil
}

// FromEnv collects USER<n>_NAME / USER<n>_PASS pairs, the format written by
// the relay's setup wizard. lookup is usually os.LookupEnv. Numbering starts
// at 1 and stops at the first missing USER<n>_NAME.
func FromEnv(lookup func(string) (string, bool)) (map[string]string, error) {
	users := make(map[string]string)
	for i := 1; ; i++ {
		n := strconv.Itoa(i)
		name, ok := lookup("USER" + n + "_NAME")
		if !ok {
			break
		}
		pass, _ := lookup("USER" + n + "_PASS")
		name = strings.TrimSpace(name)
		if name == "" || pass == "" {
			return nil, fmt.Errorf("USER%s_NAME and USER%s_PASS must both be set", n, n)
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("duplicate username %q in USER%s_NAME", name, n)
		}
		users[name] = pass
	}
	return users, nil
}

// Merge combines user maps; later maps override earlier ones.
func Merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
