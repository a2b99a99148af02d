// Package session binds an unlocked identity to the graph store. It owns
// login, logout and autologin and hands out the local and public roots
// views read and write through.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/keychain"
)

var (
	// ErrUnauthenticated is returned when credentials do not unlock the
	// persisted identity or an operation needs a logged-in session.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNoIdentity is returned when no identity has been created on this
	// device yet.
	ErrNoIdentity = errors.New("no identity on this device")
)

// Local-root fields maintained by the session.
const (
	FieldLoggedIn  = "loggedIn"
	FieldPublicKey = "pub"
)

// Local-root fields shared by views. The session only seeds them; views
// own them afterwards.
const (
	FieldToggleMenu  = "toggleMenu"
	FieldScrollUp    = "scrollUp"
	FieldActiveRoute = "activeRoute"
	FieldUnseenTotal = "unseenTotal"
)

// Credentials selects how Login unlocks the identity. Autologin reads the
// passphrase from the keychain; otherwise Passphrase or Mnemonic is used.
type Credentials struct {
	Autologin  bool
	Passphrase []byte
	Mnemonic   string

	// Remember stores Passphrase in the keychain for later autologin.
	Remember bool
}

// Options configures a Manager.
type Options struct {
	IdentityFile string
	PublicFile   string
	Name         string
	Keychain     keychain.Store
	Logger       *slog.Logger
}

// Manager is the session of one device. Its zero value is not usable; use New.
type Manager struct {
	store  *graph.Store
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	identity  *crypto.Identity
	listeners []func(*crypto.Identity)
}

// New returns a logged-out session over store.
func New(store *graph.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Keychain == nil {
		opts.Keychain = &keychain.Memory{}
	}
	return &Manager{store: store, opts: opts, logger: logger.With("component", "session")}
}

// HasIdentity reports whether an encrypted identity is persisted.
func (m *Manager) HasIdentity() bool {
	_, err := os.Stat(m.opts.IdentityFile)
	return err == nil
}

// CreateOrLoadIdentity generates and persists an identity on first run and
// unlocks the persisted one afterwards. Either way the session is logged
// in when it returns.
func (m *Manager) CreateOrLoadIdentity(passphrase []byte) (*crypto.Identity, error) {
	if m.HasIdentity() {
		id, err := m.unlock(passphrase)
		if err != nil {
			return nil, err
		}
		m.activate(id)
		return id, nil
	}

	if len(passphrase) == 0 {
		return nil, errors.New("passphrase required to protect a new identity")
	}
	id, err := crypto.GenerateIdentity(m.opts.Name)
	if err != nil {
		return nil, err
	}
	if err := m.persist(id, passphrase); err != nil {
		id.Destroy()
		return nil, err
	}
	m.logger.Info("identity created", "fingerprint", id.Fingerprint())
	m.activate(id)
	return id, nil
}

func (m *Manager) persist(id *crypto.Identity, passphrase []byte) error {
	if err := id.SaveEncrypted(m.opts.IdentityFile, passphrase); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	if m.opts.PublicFile != "" {
		if err := id.SavePublic(m.opts.PublicFile); err != nil {
			return fmt.Errorf("save public identity: %w", err)
		}
	}
	return nil
}

func (m *Manager) unlock(passphrase []byte) (*crypto.Identity, error) {
	id, err := crypto.LoadEncrypted(m.opts.IdentityFile, passphrase)
	if err != nil {
		if errors.Is(err, crypto.ErrBadPassphrase) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

// Login unlocks the identity and returns its public key. Every failure to
// authenticate wraps ErrUnauthenticated.
func (m *Manager) Login(creds Credentials) ([]byte, error) {
	if pub := m.CurrentPublicKey(); pub != nil {
		return pub, nil
	}

	var (
		id  *crypto.Identity
		err error
	)
	switch {
	case creds.Autologin:
		id, err = m.autologin()
	case creds.Mnemonic != "":
		id, err = m.recover(creds.Mnemonic, creds.Passphrase)
	case len(creds.Passphrase) > 0:
		if !m.HasIdentity() {
			return nil, ErrNoIdentity
		}
		id, err = m.unlock(creds.Passphrase)
	default:
		err = fmt.Errorf("%w: no credentials", ErrUnauthenticated)
	}
	if err != nil {
		return nil, err
	}

	if creds.Remember && len(creds.Passphrase) > 0 {
		if err := m.opts.Keychain.Set(string(creds.Passphrase)); err != nil {
			m.logger.Warn("store passphrase in keychain", "error", err)
		}
	}
	m.activate(id)
	return id.PublicKey(), nil
}

func (m *Manager) autologin() (*crypto.Identity, error) {
	if !m.HasIdentity() {
		return nil, ErrNoIdentity
	}
	pass, err := m.opts.Keychain.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: autologin: %w", ErrUnauthenticated, err)
	}
	return m.unlock([]byte(pass))
}

// recover rebuilds the identity from its recovery phrase. When an identity
// is persisted the phrase must match it; otherwise the recovered identity
// is saved under passphrase.
func (m *Manager) recover(mnemonic string, passphrase []byte) (*crypto.Identity, error) {
	id, err := crypto.IdentityFromMnemonic(mnemonic, m.opts.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	if m.opts.PublicFile != "" {
		if pub, err := crypto.LoadPublic(m.opts.PublicFile); err == nil {
			if !bytes.Equal(pub.SigningPub, id.PublicKey()) {
				id.Destroy()
				return nil, fmt.Errorf("%w: recovery phrase belongs to another identity", ErrUnauthenticated)
			}
			id.Name = pub.Name
			id.CreatedAt = pub.CreatedAt
		}
	}

	if len(passphrase) > 0 {
		if err := m.persist(id, passphrase); err != nil {
			id.Destroy()
			return nil, err
		}
		m.logger.Info("identity recovered", "fingerprint", id.Fingerprint())
	}
	return id, nil
}

func (m *Manager) activate(id *crypto.Identity) {
	m.mu.Lock()
	m.identity = id
	listeners := m.listeners
	m.mu.Unlock()

	m.setLocal(FieldPublicKey, graph.String(id.NamespaceKey()))
	m.setLocal(FieldLoggedIn, graph.Bool(true))
	m.logger.Info("logged in", "fingerprint", id.Fingerprint())

	for _, fn := range listeners {
		fn(id)
	}
}

// Logout zeroes the key material of the active session. With
// deleteIdentity the persisted identity and keychain entry go too.
func (m *Manager) Logout(deleteIdentity bool) error {
	m.mu.Lock()
	id := m.identity
	m.identity = nil
	listeners := m.listeners
	m.mu.Unlock()

	// listeners stop using the key before it is wiped
	for _, fn := range listeners {
		fn(nil)
	}
	if id != nil {
		id.Destroy()
		m.logger.Info("logged out", "fingerprint", id.Fingerprint())
	}
	m.setLocal(FieldLoggedIn, graph.Bool(false))
	m.setLocal(FieldPublicKey, graph.Null())

	if !deleteIdentity {
		return nil
	}

	var errs []error
	for _, path := range []string{m.opts.IdentityFile, m.opts.PublicFile} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := m.opts.Keychain.Delete(); err != nil {
		errs = append(errs, fmt.Errorf("keychain: %w", err))
	}
	return errors.Join(errs...)
}

// ResetViewState puts the shared view fields in their startup state: menu
// closed, scrolled to top, no route and nothing unseen.
func (m *Manager) ResetViewState() {
	m.setLocal(FieldToggleMenu, graph.Bool(false))
	m.setLocal(FieldScrollUp, graph.Bool(true))
	m.setLocal(FieldActiveRoute, graph.Null())
	m.setLocal(FieldUnseenTotal, graph.Number(0))
}

func (m *Manager) setLocal(field string, v graph.Value) {
	if _, err := m.store.Put(graph.LocalRoot, field, v, nil); err != nil {
		m.logger.Warn("write local state", "field", field, "error", err)
	}
}

// OnChange registers fn to run after login with the new identity and
// before logout wipes the key, with nil.
func (m *Manager) OnChange(fn func(*crypto.Identity)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// LoggedIn reports whether an identity is unlocked.
func (m *Manager) LoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity != nil
}

// Identity returns the unlocked identity, or nil.
func (m *Manager) Identity() *crypto.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// CurrentPublicKey returns the public key of the active session, or nil.
func (m *Manager) CurrentPublicKey() []byte {
	if id := m.Identity(); id != nil {
		return id.PublicKey()
	}
	return nil
}

// Signer returns the signer for the active session, or nil.
func (m *Manager) Signer() crypto.Signer {
	if id := m.Identity(); id != nil {
		return id
	}
	return nil
}

// Store returns the graph the session writes to.
func (m *Manager) Store() *graph.Store {
	return m.store
}

// LocalRoot returns the device-private root. It works logged out.
func (m *Manager) LocalRoot() graph.Path {
	return m.store.At(graph.LocalRoot, nil)
}

// PublicRoot returns the namespace root of pub, defaulting to the active
// session's key. Writes through it are signed by the session, so writes
// under someone else's root fail with graph.ErrUnauthorized.
func (m *Manager) PublicRoot(pub ...[]byte) (graph.Path, error) {
	signer := m.Signer()
	key := m.CurrentPublicKey()
	if len(pub) > 0 && pub[0] != nil {
		key = pub[0]
	}
	if key == nil {
		return graph.Path{}, ErrUnauthenticated
	}
	return m.store.At(graph.NamespaceRoot(key), signer), nil
}
