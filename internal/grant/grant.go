// Package grant manages access grants and the signed bearer tokens and
// message references derived from them. Grants are persisted in a TOML
// file; tokens are stateless HMAC-SHA256 signatures over the grant's
// current epoch, so revoking every outstanding token is a single counter
// bump with no revocation list.
package grant

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	// ErrUnauthorized covers bad signatures, revoked grants and epoch
	// mismatches. Deliberately indistinguishable to callers.
	ErrUnauthorized = errors.New("grant: unauthorized")
	// ErrExpired marks a token or reference past its expiry.
	ErrExpired = errors.New("grant: expired")
	// ErrScopeViolation marks a signed reference whose context no longer
	// grants visibility of the message.
	ErrScopeViolation = errors.New("grant: outside context scope")
)

// Role is the capability level of a grant.
type Role string

const (
	// RoleNone is a revoked grant. It persists so its epoch keeps
	// invalidating previously issued tokens.
	RoleNone Role = "none"
	// RoleGuest may search and read within its context.
	RoleGuest Role = "guest"
	// RoleUser may additionally mutate tags within its context.
	RoleUser Role = "user"
)

func (r Role) valid() bool {
	switch r {
	case RoleNone, RoleGuest, RoleUser:
		return true
	}
	return false
}

// CanRead reports whether the role allows search and message access.
func (r Role) CanRead() bool { return r == RoleGuest || r == RoleUser }

// CanWrite reports whether the role allows tag mutation.
func (r Role) CanWrite() bool { return r == RoleUser }

// Grant ties a principal to a role within one context. Credential, when
// set, must be presented at login. Epoch is bumped on logout; every token
// and signed reference embeds the epoch it was issued under.
type Grant struct {
	ID         uint32 `toml:"id"`
	Principal  string `toml:"-"`
	Role       Role   `toml:"role"`
	Context    string `toml:"context"`
	Credential string `toml:"credential,omitempty"`
	Epoch      uint32 `toml:"epoch"`
}

// Session is a verified token: the grant's current standing, not the one
// embedded at issue time, so role changes apply to live sessions.
type Session struct {
	Principal string
	Role      Role
	Context   string
}

var principalRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._@-]*$`)

// Engine owns the grant table and the signing key.
type Engine struct {
	mu     sync.RWMutex
	path   string
	key    []byte
	grants map[string]*Grant
	byID   map[uint32]*Grant
	nextID uint32

	now func() time.Time
}

type grantsFile struct {
	Grants map[string]*Grant `toml:"grants"`
}

// Open loads the grant table at path and the signing key next to it,
// generating a fresh key on first use. The key file is chmod 0600; losing
// it invalidates every outstanding token, which is the recovery story.
func Open(path string) (*Engine, error) {
	key, err := loadKey(filepath.Join(filepath.Dir(path), "signing.key"))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		path:   path,
		key:    key,
		grants: make(map[string]*Grant),
		byID:   make(map[uint32]*Grant),
		nextID: 1,
		now:    time.Now,
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return e, nil
	}
	var file grantsFile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode grants: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode grants: unknown key %q", undecoded[0].String())
	}
	for principal, g := range file.Grants {
		g.Principal = principal
		if !g.Role.valid() {
			return nil, fmt.Errorf("grant %q: invalid role %q", principal, g.Role)
		}
		e.grants[principal] = g
		e.byID[g.ID] = g
		if g.ID >= e.nextID {
			e.nextID = g.ID + 1
		}
	}
	return e, nil
}

func loadKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, derr := base64.StdEncoding.DecodeString(string(raw))
		if derr != nil || len(key) < 32 {
			return nil, fmt.Errorf("signing key %s is corrupt", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return key, nil
}

// Create adds a grant for principal. The context must be named even for
// RoleNone so a later role upgrade has somewhere to land.
func (e *Engine) Create(principal string, role Role, contextKey, credential string) (*Grant, error) {
	if !principalRe.MatchString(principal) {
		return nil, fmt.Errorf("invalid principal %q", principal)
	}
	if !role.valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if contextKey == "" {
		return nil, fmt.Errorf("grant %q: context is required", principal)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.grants[principal]; exists {
		return nil, fmt.Errorf("grant %q already exists", principal)
	}
	g := &Grant{
		ID:         e.nextID,
		Principal:  principal,
		Role:       role,
		Context:    contextKey,
		Credential: credential,
	}
	e.nextID++
	e.grants[principal] = g
	e.byID[g.ID] = g
	if err := e.saveLocked(); err != nil {
		return nil, err
	}
	return g, nil
}

// Update changes a grant's role and optionally its context. Downgrading to
// RoleNone revokes the grant; live sessions see the new role immediately
// because Verify reads the current grant, not the token.
func (e *Engine) Update(principal string, role Role, contextKey string) (*Grant, error) {
	if !role.valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.grants[principal]
	if !ok {
		return nil, fmt.Errorf("grant %q does not exist", principal)
	}
	g.Role = role
	if contextKey != "" {
		g.Context = contextKey
	}
	if err := e.saveLocked(); err != nil {
		return nil, err
	}
	return g, nil
}

// Remove deletes a grant outright. Its tokens die with it since Verify can
// no longer resolve the embedded grant id.
func (e *Engine) Remove(principal string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.grants[principal]
	if !ok {
		return fmt.Errorf("grant %q does not exist", principal)
	}
	delete(e.grants, principal)
	delete(e.byID, g.ID)
	return e.saveLocked()
}

// Get returns the grant for principal, or nil.
func (e *Engine) Get(principal string) *Grant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.grants[principal]
}

// List returns all grants sorted by principal.
func (e *Engine) List() []*Grant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Grant, 0, len(e.grants))
	for _, g := range e.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// Logout bumps the grant's epoch, invalidating every token and signed
// reference issued before it, then persists the table.
func (e *Engine) Logout(principal string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.grants[principal]
	if !ok {
		return fmt.Errorf("grant %q does not exist", principal)
	}
	g.Epoch++
	return e.saveLocked()
}

func (e *Engine) saveLocked() error {
	if e.path == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".grants-*.toml")
	if err != nil {
		return fmt.Errorf("save grants: %w", err)
	}
	defer os.Remove(tmp.Name())

	file := grantsFile{Grants: e.grants}
	if err := toml.NewEncoder(tmp).Encode(file); err != nil {
		tmp.Close()
		return fmt.Errorf("save grants: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save grants: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.path); err != nil {
		return fmt.Errorf("save grants: %w", err)
	}
	return nil
}

// contextDigest is a short stable fingerprint of a context key, bound into
// token and reference signatures.
func contextDigest(key string) [4]byte {
	sum := sha256.Sum256([]byte(key))
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}
