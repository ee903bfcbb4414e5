// Package auth provides Bearer admin-key authentication for the admin API.
// Keys are stored only as Argon2id PHC hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

// Argon2id parameters (OWASP recommended)
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

var ErrInvalidKey = errors.New("invalid admin key")

// Hasher hashes and verifies admin keys with Argon2id.
type Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// NewHasher returns a Hasher with the production parameters.
func NewHasher() *Hasher {
	return &Hasher{time: argon2Time, memory: argon2Memory, threads: argon2Threads, keyLen: argon2KeyLen}
}

// NewHasherFast creates a Hasher with reduced parameters for testing.
func NewHasherFast() *Hasher {
	return &Hasher{time: 1, memory: 8 * 1024, threads: 1, keyLen: 32}
}

// Hash returns a PHC string: $argon2id$v=19$m=65536,t=3,p=4$salt$hash
func (h *Hasher) Hash(key string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(key), salt, h.time, h.memory, h.threads, h.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// Verify checks key against a PHC hash. The parameters are read from the hash.
func Verify(encoded, key string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrInvalidKey
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return ErrInvalidKey
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return ErrInvalidKey
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidKey
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrInvalidKey
	}

	computed := argon2.IDKey([]byte(key), salt, time, memory, threads, uint32(len(expected)))
	if subtle.ConstantTimeCompare(expected, computed) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// Admin is a named administrator key hash.
type Admin struct {
	Name    string
	KeyHash string
}

// Keyring authenticates presented keys against the configured admins.
// Successful verifications are remembered by the key's SHA-256 so the
// Argon2id cost is paid once per key and process.
type Keyring struct {
	admins []Admin

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

func NewKeyring(admins []Admin) (*Keyring, error) {
	seen := make(map[string]bool, len(admins))
	for _, a := range admins {
		if a.Name == "" {
			return nil, errors.New("admin key without a name")
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate admin name %q", a.Name)
		}
		seen[a.Name] = true
		if !strings.HasPrefix(a.KeyHash, "$argon2id$") {
			return nil, fmt.Errorf("admin %q: key_hash must be an argon2id PHC string", a.Name)
		}
	}
	return &Keyring{admins: admins, verified: make(map[[sha256.Size]byte]string)}, nil
}

// Authenticate returns the admin name for key.
func (k *Keyring) Authenticate(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	digest := sha256.Sum256([]byte(key))

	k.mu.RLock()
	name, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return name, nil
	}

	for _, a := range k.admins {
		if Verify(a.KeyHash, key) == nil {
			k.mu.Lock()
			k.verified[digest] = a.Name
			k.mu.Unlock()
			return a.Name, nil
		}
	}
	return "", ErrInvalidKey
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAdmin rejects requests without a valid admin key. The admin name is
// stored with appctx.WithActor and added to the request logger.
func RequireAdmin(k *Keyring, log *slog.Logger) func(http.Handler) http.Handler {
	log = logutil.NoopIfNil(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				api.WriteUnauthorized(w, api.ReasonUnauthenticated, "admin key required")
				return
			}
			name, err := k.Authenticate(token)
			if err != nil {
				logger, ok := appctx.LoggerFromContext(r.Context())
				if !ok {
					logger = log
				}
				logger.Warn("admin authentication failed")
				api.WriteUnauthorized(w, api.ReasonUnauthorized, "invalid admin key")
				return
			}

			ctx := appctx.WithActor(r.Context(), name)
			reqLogger := appctx.GetLogger(ctx).With("admin", name)
			ctx = appctx.WithLogger(ctx, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
