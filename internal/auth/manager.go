package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/emberlight/studiofeed/internal/remote"
)

// ErrNoValidator is returned by Login before Init has run.
var ErrNoValidator = errors.New("auth manager has no validator")

// Validator resolves a bearer credential to the user it belongs to
type Validator interface {
	CurrentUser(ctx context.Context, token string) (string, error)
}

// Listener receives session changes. Callbacks run synchronously on the
// goroutine that changed the session, before that call returns.
type Listener interface {
	OnLogin(handle string)
	OnLogout()
	OnLoginRequested()
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped.
type ListenerFuncs struct {
	Login          func(handle string)
	Logout         func()
	LoginRequested func()
}

func (f ListenerFuncs) OnLogin(handle string) {
	if f.Login != nil {
		f.Login(handle)
	}
}

func (f ListenerFuncs) OnLogout() {
	if f.Logout != nil {
		f.Logout()
	}
}

func (f ListenerFuncs) OnLoginRequested() {
	if f.LoginRequested != nil {
		f.LoginRequested()
	}
}

// Manager owns the auth session: who is logged in, with what credential,
// and whether they are on the admin allow-list.
type Manager struct {
	tokens *TokenStore
	admins map[string]bool
	log    *zap.SugaredLogger

	mu        sync.RWMutex
	validator Validator
	user      string
	token     string
	lastErr   error

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewManager creates a new auth manager. admins is the fixed allow-list.
func NewManager(tokens *TokenStore, admins []string, log *zap.SugaredLogger) *Manager {
	allow := make(map[string]bool, len(admins))
	for _, a := range admins {
		allow[strings.ToLower(a)] = true
	}
	return &Manager{
		tokens:    tokens,
		admins:    allow,
		log:       log,
		listeners: make(map[int]Listener),
	}
}

// Init validates the persisted credential once. A failed validation clears
// it and is kept in LastError; it never fails the caller.
func (m *Manager) Init(ctx context.Context, v Validator) {
	m.mu.Lock()
	m.validator = v
	m.mu.Unlock()

	token, ok := m.tokens.Load()
	if !ok {
		m.log.Debug("no stored credential")
		return
	}

	handle, err := v.CurrentUser(ctx, token)
	if err != nil {
		m.log.Warnw("stored credential failed validation", "err", err)
		if clearErr := m.tokens.Clear(); clearErr != nil {
			m.log.Errorw("failed to clear stored credential", "err", clearErr)
		}
		m.mu.Lock()
		m.lastErr = fmt.Errorf("stored credential rejected: %w", err)
		m.mu.Unlock()
		return
	}

	m.establish(handle, token)
}

// Login validates token, persists it and starts a session.
// A failed login leaves the current session untouched.
func (m *Manager) Login(ctx context.Context, token string) (string, error) {
	m.mu.RLock()
	v := m.validator
	m.mu.RUnlock()
	if v == nil {
		return "", ErrNoValidator
	}

	handle, err := v.CurrentUser(ctx, token)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return "", fmt.Errorf("login failed: %w", err)
	}

	if err := m.tokens.Save(token); err != nil {
		return "", fmt.Errorf("failed to save credential: %w", err)
	}

	m.establish(handle, token)
	return handle, nil
}

func (m *Manager) establish(handle, token string) {
	m.mu.Lock()
	m.user = handle
	m.token = token
	m.lastErr = nil
	m.mu.Unlock()

	m.log.Infow("logged in", "user", handle, "admin", m.IsAdminHandle(handle))
	m.each(func(l Listener) { l.OnLogin(handle) })
}

// Logout clears the credential and ends the session.
func (m *Manager) Logout() error {
	err := m.tokens.Clear()
	m.teardown()
	return err
}

func (m *Manager) teardown() {
	m.mu.Lock()
	wasLoggedIn := m.user != ""
	m.user = ""
	m.token = ""
	m.mu.Unlock()

	if wasLoggedIn {
		m.log.Info("logged out")
		m.each(func(l Listener) { l.OnLogout() })
	}
}

// HandleAuthFailure downgrades the session when err is a rejected
// credential and asks for re-authentication. It reports whether it acted.
func (m *Manager) HandleAuthFailure(err error) bool {
	if !remote.IsUnauthorized(err) {
		return false
	}
	m.log.Warnw("credential rejected by remote store", "err", err)
	if clearErr := m.tokens.Clear(); clearErr != nil {
		m.log.Errorw("failed to clear stored credential", "err", clearErr)
	}
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	m.teardown()
	m.RequestLogin()
	return true
}

// RequestLogin asks whoever owns the login flow to show it.
func (m *Manager) RequestLogin() {
	m.each(func(l Listener) { l.OnLoginRequested() })
}

// CurrentUser returns the logged-in handle
func (m *Manager) CurrentUser() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user, m.user != ""
}

// Credential returns the bearer token of the current session
func (m *Manager) Credential() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != ""
}

// IsAdmin reports whether the current user is on the allow-list
func (m *Manager) IsAdmin() bool {
	user, ok := m.CurrentUser()
	return ok && m.IsAdminHandle(user)
}

// IsAdminHandle reports whether handle is on the allow-list
func (m *Manager) IsAdminHandle(handle string) bool {
	return m.admins[strings.ToLower(handle)]
}

// LastError returns the most recent validation failure, if any
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Subscribe registers l and returns a function that removes it.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// each calls fn for every listener in subscription order, outside the lock
// so listeners may call back into the manager.
func (m *Manager) each(fn func(Listener)) {
	m.listenersMu.Lock()
	snapshot := make([]Listener, 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if l, ok := m.listeners[id]; ok {
			snapshot = append(snapshot, l)
		}
	}
	m.listenersMu.Unlock()

	for _, l := range snapshot {
		fn(l)
	}
}
