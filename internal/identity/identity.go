// Package identity holds the signed-in user for the whole process. It
// serves the current credential to the gateway and tells subscribers when
// the user signs in, switches or signs out.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	"github.com/comigor/ragchat-go/internal/gateway"
	"github.com/comigor/ragchat-go/internal/logger"
)

var (
	ErrSignedOut = errors.New("not signed in")
	ErrExpired   = errors.New("credential expired")
)

type EventKind string

const (
	SignedIn  EventKind = "signed_in"
	Switched  EventKind = "switched"
	Refreshed EventKind = "refreshed"
	SignedOut EventKind = "signed_out"
)

type Event struct {
	Kind EventKind
	At   time.Time
}

// EndsSession reports whether state tied to the previous user must be
// dropped.
func (e Event) EndsSession() bool {
	return e.Kind == SignedOut || e.Kind == Switched
}

// Sender is the part of the gateway used for profile calls.
type Sender interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

type subscriber struct {
	id int
	fn func(Event)
}

const profileKey = "profile"

// Context is the process-wide identity. The zero value is not usable;
// call New.
type Context struct {
	mu     sync.RWMutex
	token  *oauth2.Token
	sender Sender

	subsMu sync.Mutex
	subs   []subscriber
	nextID int

	profiles *cache.Cache
}

// New creates a signed-out Context. Profiles are cached for ttl; a zero
// ttl disables caching.
func New(ttl time.Duration) *Context {
	c := &Context{}
	if ttl > 0 {
		c.profiles = cache.New(ttl, 2*ttl)
	}
	return c
}

// SetSender wires the gateway used by Profile and Verify. The gateway in
// turn uses the Context as its token source.
func (c *Context) SetSender(s Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

// Init signs in with a pre-issued bearer token. An empty token leaves the
// Context signed out.
func (c *Context) Init(accessToken string) {
	if accessToken == "" {
		return
	}
	c.SignIn(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

// SignIn installs tok. Signing in while already signed in is a user
// switch.
func (c *Context) SignIn(tok *oauth2.Token) {
	c.mu.Lock()
	kind := SignedIn
	if c.token != nil {
		kind = Switched
	}
	c.token = tok
	c.mu.Unlock()

	c.forgetProfile()
	c.publish(kind)
}

// Update replaces the credential of the current user, e.g. after an
// external refresh. It is a no-op when signed out or when tok is nil.
func (c *Context) Update(tok *oauth2.Token) {
	if tok == nil {
		return
	}
	c.mu.Lock()
	if c.token == nil {
		c.mu.Unlock()
		return
	}
	c.token = tok
	c.mu.Unlock()

	c.publish(Refreshed)
}

// Teardown signs out.
func (c *Context) Teardown() {
	c.mu.Lock()
	if c.token == nil {
		c.mu.Unlock()
		return
	}
	c.token = nil
	c.mu.Unlock()

	c.forgetProfile()
	c.publish(SignedOut)
}

// SignedIn reports whether a credential is installed.
func (c *Context) SignedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != nil
}

// Token implements oauth2.TokenSource.
func (c *Context) Token() (*oauth2.Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil, ErrSignedOut
	}
	if !c.token.Valid() {
		return nil, goerr.Wrap(ErrExpired, "credential no longer valid", goerr.V("expiry", c.token.Expiry))
	}
	tok := *c.token
	return &tok, nil
}

// Subscribe registers fn for identity events. Callbacks run synchronously
// in subscription order on the goroutine that changed the identity.
func (c *Context) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Context) publish(kind EventKind) {
	ev := Event{Kind: kind, At: time.Now()}
	logger.L.Info("identity changed", "event", kind)

	c.subsMu.Lock()
	subs := append([]subscriber(nil), c.subs...)
	c.subsMu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

func (c *Context) forgetProfile() {
	if c.profiles != nil {
		c.profiles.Delete(profileKey)
	}
}

// Profile is the backend's view of the signed-in user.
type Profile struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	// timestamps are passed through as the backend formats them
	CreatedAt  string `json:"createdAt"`
	LastActive string `json:"lastActive"`
}

// Name is what the user is called on screen.
func (p Profile) Name() string {
	return DisplayName(p.DisplayName, p.Email)
}

// DisplayName picks the display name, else the local part of the email,
// else "User".
func DisplayName(displayName, email string) string {
	if displayName != "" {
		return displayName
	}
	if local, _, _ := strings.Cut(email, "@"); local != "" {
		return local
	}
	return "User"
}

// Profile fetches GET /api/auth/me, served from cache while fresh.
func (c *Context) Profile(ctx context.Context) (Profile, error) {
	sender, err := c.senderIfSignedIn()
	if err != nil {
		return Profile{}, err
	}

	if c.profiles != nil {
		if v, ok := c.profiles.Get(profileKey); ok {
			return v.(Profile), nil
		}
	}

	var p Profile
	if err := sender.Send(ctx, gateway.Request{Endpoint: "/api/auth/me"}, &p); err != nil {
		return Profile{}, goerr.Wrap(err, "failed to fetch profile")
	}
	if c.profiles != nil {
		c.profiles.Set(profileKey, p, cache.DefaultExpiration)
	}
	return p, nil
}

// Verification is returned by POST /api/auth/verify.
type Verification struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// Verify asks the backend to check the current credential.
func (c *Context) Verify(ctx context.Context) (Verification, error) {
	sender, err := c.senderIfSignedIn()
	if err != nil {
		return Verification{}, err
	}

	var v Verification
	if err := sender.Send(ctx, gateway.Request{Method: http.MethodPost, Endpoint: "/api/auth/verify"}, &v); err != nil {
		return Verification{}, goerr.Wrap(err, "failed to verify credential")
	}
	return v, nil
}

func (c *Context) senderIfSignedIn() (Sender, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil, ErrSignedOut
	}
	if c.sender == nil {
		return nil, goerr.New("identity has no sender")
	}
	return c.sender, nil
}
