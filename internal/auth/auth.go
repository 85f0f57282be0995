// Package auth verifies caller-supplied secrets against the Argon2id
// hashes stored in the policy database. A valid secret bypasses
// enforcement, so verification is deliberately strict: malformed hashes
// are treated as absent, never as a match.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/SantiagoPassafiume/whitebeam/internal/metrics"
	"github.com/SantiagoPassafiume/whitebeam/internal/policy"
)

// AuthEnv is the environment variable carrying the bypass secret.
const AuthEnv = "WB_AUTH"

// Verifier checks candidates against the console and recovery secrets.
type Verifier struct {
	store *policy.Store
	now   func() time.Time
}

// NewVerifier creates a Verifier reading secrets from store.
func NewVerifier(store *policy.Store) *Verifier {
	return &Verifier{store: store, now: time.Now}
}

// VerifyAuthString reports whether candidate matches either secret.
//
// The console secret only counts while unexpired: ConsoleSecretExpiry must
// parse to an integer that is zero (no expiry) or at or past the current
// timestamp. The recovery secret never expires.
func (v *Verifier) VerifyAuthString(candidate string) bool {
	consoleSecret := v.store.Setting(policy.SettingConsoleSecret)
	recoverySecret := v.store.Setting(policy.SettingRecoverySecret)

	consoleEligible := false
	if expiry, err := strconv.ParseInt(v.store.Setting(policy.SettingConsoleSecretExpiry), 10, 64); err == nil {
		consoleEligible = expiry == 0 || expiry >= v.now().Unix()
	}

	if consoleEligible {
		if ok, err := verifyArgon2id(candidate, consoleSecret); err == nil && ok {
			metrics.AuthVerificationsTotal.WithLabelValues("console").Inc()
			return true
		}
	}
	if ok, err := verifyArgon2id(candidate, recoverySecret); err == nil && ok {
		metrics.AuthVerificationsTotal.WithLabelValues("recovery").Inc()
		return true
	}
	metrics.AuthVerificationsTotal.WithLabelValues("rejected").Inc()
	return false
}

// VerifyAuthEnv reports whether the WB_AUTH environment variable holds a
// valid secret. An absent variable never verifies.
func (v *Verifier) VerifyAuthEnv() bool {
	candidate, ok := os.LookupEnv(AuthEnv)
	if !ok {
		return false
	}
	return v.VerifyAuthString(candidate)
}

// verifyArgon2id checks password against a PHC-format argon2id hash:
// $argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
func verifyArgon2id(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return false, fmt.Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("invalid hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("invalid hash parameters: %w", err)
	}
	if threads == 0 || threads > 255 {
		return false, fmt.Errorf("threads value %d out of range", threads)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid salt encoding: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(expected) == 0 || len(expected) > 1<<10 {
		return false, fmt.Errorf("hash length %d out of range", len(expected))
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, uint8(threads), uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
