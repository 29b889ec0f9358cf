package grant

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Token payload layout, big-endian: grant id u32, context digest 4 bytes,
// expiry unix seconds i64, epoch u32. A signed message reference prefixes
// the message id. Both are base64url with the signature as a second dot
// separated segment, so they are safe in a path segment.
const (
	tokenPayloadLen = 20
	refPayloadLen   = 24
	refSigLen       = 16
)

// Login authenticates a principal and issues a bearer token valid for ttl.
// A grant with a credential requires a matching one; a revoked grant
// cannot log in at all.
func (e *Engine) Login(principal, credential string, ttl time.Duration) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.grants[principal]
	if !ok {
		return "", fmt.Errorf("login %q: %w", principal, ErrUnauthorized)
	}
	if g.Credential != "" &&
		subtle.ConstantTimeCompare([]byte(g.Credential), []byte(credential)) != 1 {
		return "", fmt.Errorf("login %q: %w", principal, ErrUnauthorized)
	}
	if !g.Role.CanRead() {
		return "", fmt.Errorf("login %q: %w", principal, ErrUnauthorized)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("login %q: ttl must be positive", principal)
	}

	payload := make([]byte, tokenPayloadLen)
	binary.BigEndian.PutUint32(payload[0:], g.ID)
	digest := contextDigest(g.Context)
	copy(payload[4:], digest[:])
	binary.BigEndian.PutUint64(payload[8:], uint64(e.now().Add(ttl).Unix()))
	binary.BigEndian.PutUint32(payload[16:], g.Epoch)
	return encodeSigned(payload, e.sign(payload)), nil
}

// Verify checks a bearer token and returns the grant's current standing.
// Signature failures and epoch mismatches are ErrUnauthorized; a good
// signature past its expiry is ErrExpired.
func (e *Engine) Verify(token string) (*Session, error) {
	payload, sig, err := decodeSigned(token, tokenPayloadLen)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(sig, e.sign(payload)) {
		return nil, fmt.Errorf("verify token: %w", ErrUnauthorized)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.byID[binary.BigEndian.Uint32(payload[0:])]
	if !ok {
		return nil, fmt.Errorf("verify token: %w", ErrUnauthorized)
	}
	expiry := int64(binary.BigEndian.Uint64(payload[8:]))
	if e.now().Unix() > expiry {
		return nil, fmt.Errorf("verify token: %w", ErrExpired)
	}
	if binary.BigEndian.Uint32(payload[16:]) != g.Epoch {
		return nil, fmt.Errorf("verify token: %w", ErrUnauthorized)
	}
	if !g.Role.CanRead() {
		return nil, fmt.Errorf("verify token: %w", ErrUnauthorized)
	}
	return &Session{Principal: g.Principal, Role: g.Role, Context: g.Context}, nil
}

// SignMessageRef issues a compact reference granting fetch access to one
// message for ttl, on behalf of the session's grant. The reference stays
// tied to the grant's epoch, so logging out kills it early.
func (e *Engine) SignMessageRef(sess *Session, msgID uint32, ttl time.Duration) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.grants[sess.Principal]
	if !ok || !g.Role.CanRead() {
		return "", fmt.Errorf("sign ref: %w", ErrUnauthorized)
	}

	payload := make([]byte, refPayloadLen)
	binary.BigEndian.PutUint32(payload[0:], msgID)
	binary.BigEndian.PutUint32(payload[4:], g.ID)
	digest := contextDigest(g.Context)
	copy(payload[8:], digest[:])
	binary.BigEndian.PutUint64(payload[12:], uint64(e.now().Add(ttl).Unix()))
	binary.BigEndian.PutUint32(payload[20:], g.Epoch)
	return encodeSigned(payload, e.sign(payload)[:refSigLen]), nil
}

// VerifyMessageRef checks a signed reference and re-checks that the
// issuing context still grants visibility of the message via the supplied
// callback. A message that drifted out of scope since signing is
// ErrScopeViolation; the API layer surfaces that as not-found.
func (e *Engine) VerifyMessageRef(ref string, visible func(contextKey string, msgID uint32) (bool, error)) (uint32, error) {
	payload, sig, err := decodeSigned(ref, refPayloadLen)
	if err != nil {
		return 0, err
	}
	if !hmac.Equal(sig, e.sign(payload)[:refSigLen]) {
		return 0, fmt.Errorf("verify ref: %w", ErrUnauthorized)
	}

	e.mu.RLock()
	g, ok := e.byID[binary.BigEndian.Uint32(payload[4:])]
	var (
		epochOK bool
		ctxKey  string
		canRead bool
	)
	if ok {
		epochOK = binary.BigEndian.Uint32(payload[20:]) == g.Epoch
		ctxKey = g.Context
		canRead = g.Role.CanRead()
	}
	now := e.now().Unix()
	e.mu.RUnlock()

	if !ok || !canRead {
		return 0, fmt.Errorf("verify ref: %w", ErrUnauthorized)
	}
	if now > int64(binary.BigEndian.Uint64(payload[12:])) {
		return 0, fmt.Errorf("verify ref: %w", ErrExpired)
	}
	if !epochOK {
		return 0, fmt.Errorf("verify ref: %w", ErrUnauthorized)
	}

	msgID := binary.BigEndian.Uint32(payload[0:])
	okVisible, err := visible(ctxKey, msgID)
	if err != nil {
		return 0, fmt.Errorf("verify ref: %w", err)
	}
	if !okVisible {
		return 0, fmt.Errorf("message %d: %w", msgID, ErrScopeViolation)
	}
	return msgID, nil
}

func (e *Engine) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, e.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encodeSigned(payload, sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig)
}

func decodeSigned(s string, payloadLen int) (payload, sig []byte, err error) {
	head, tail, ok := strings.Cut(s, ".")
	if !ok {
		return nil, nil, fmt.Errorf("malformed token: %w", ErrUnauthorized)
	}
	payload, err = base64.RawURLEncoding.DecodeString(head)
	if err != nil || len(payload) != payloadLen {
		return nil, nil, fmt.Errorf("malformed token: %w", ErrUnauthorized)
	}
	sig, err = base64.RawURLEncoding.DecodeString(tail)
	if err != nil || len(sig) == 0 {
		return nil, nil, fmt.Errorf("malformed token: %w", ErrUnauthorized)
	}
	return payload, sig, nil
}
