package session

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/keychain"
)

var testPassphrase = []byte("correct horse battery staple")

func newTestSession(t *testing.T, dir string) (*Manager, *keychain.Memory) {
	t.Helper()
	store, err := graph.Open()
	if err != nil {
		t.Fatalf("graph.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	kc := &keychain.Memory{}
	m := New(store, Options{
		IdentityFile: filepath.Join(dir, "identity.enc"),
		PublicFile:   filepath.Join(dir, "identity.pub"),
		Name:         "alice",
		Keychain:     kc,
	})
	return m, kc
}

func localBool(t *testing.T, m *Manager, field string) (bool, bool) {
	t.Helper()
	e, ok := m.Store().Get(graph.LocalRoot, field)
	if !ok {
		return false, false
	}
	return e.Value.Boolean()
}

func TestCreateOrLoadIdentity(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestSession(t, dir)

	if m.HasIdentity() {
		t.Fatal("fresh directory should have no identity")
	}
	if _, err := m.CreateOrLoadIdentity(nil); err == nil {
		t.Error("creating without a passphrase should fail")
	}

	created, err := m.CreateOrLoadIdentity(testPassphrase)
	if err != nil {
		t.Fatalf("CreateOrLoadIdentity: %v", err)
	}
	if !m.HasIdentity() || !m.LoggedIn() {
		t.Fatal("identity should be persisted and unlocked")
	}
	if loggedIn, _ := localBool(t, m, FieldLoggedIn); !loggedIn {
		t.Error("local/loggedIn should be true")
	}

	// a second process over the same directory reuses the identity
	other, _ := newTestSession(t, dir)
	loaded, err := other.CreateOrLoadIdentity(testPassphrase)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(created.PublicKey(), loaded.PublicKey()) {
		t.Error("reloaded identity should have the same key")
	}
	if loaded.Name != "alice" {
		t.Errorf("name: got %q", loaded.Name)
	}

	if _, err := os.Stat(filepath.Join(dir, "identity.pub")); err != nil {
		t.Errorf("public identity should be written: %v", err)
	}
}

func TestLoginWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	setup, _ := newTestSession(t, dir)
	id, err := setup.CreateOrLoadIdentity(testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	want := id.PublicKey()

	m, _ := newTestSession(t, dir)
	if _, err := m.Login(Credentials{Passphrase: []byte("wrong")}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("wrong passphrase: got %v, want ErrUnauthenticated", err)
	}
	if m.LoggedIn() {
		t.Fatal("failed login must not start a session")
	}
	if _, err := m.Login(Credentials{}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("empty credentials: got %v", err)
	}

	pub, err := m.Login(Credentials{Passphrase: testPassphrase})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !bytes.Equal(pub, want) || !bytes.Equal(m.CurrentPublicKey(), want) {
		t.Error("login should expose the persisted key")
	}
}

func TestLoginWithoutIdentity(t *testing.T) {
	m, _ := newTestSession(t, t.TempDir())
	if _, err := m.Login(Credentials{Passphrase: testPassphrase}); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("got %v, want ErrNoIdentity", err)
	}
	if _, err := m.Login(Credentials{Autologin: true}); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("autologin: got %v, want ErrNoIdentity", err)
	}
}

func TestAutologin(t *testing.T) {
	dir := t.TempDir()
	m, kc := newTestSession(t, dir)
	if _, err := m.CreateOrLoadIdentity(testPassphrase); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(false); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Login(Credentials{Autologin: true}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("autologin without a stored passphrase: got %v", err)
	}

	if _, err := m.Login(Credentials{Passphrase: testPassphrase, Remember: true}); err != nil {
		t.Fatal(err)
	}
	if stored, err := kc.Get(); err != nil || stored != string(testPassphrase) {
		t.Fatalf("Remember should store the passphrase, got %q, %v", stored, err)
	}
	if err := m.Logout(false); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Login(Credentials{Autologin: true}); err != nil {
		t.Fatalf("autologin: %v", err)
	}
	if !m.LoggedIn() {
		t.Error("autologin should start a session")
	}
}

func TestLoginWithMnemonic(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestSession(t, dir)
	id, err := m.CreateOrLoadIdentity(testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	phrase, err := crypto.IdentityToMnemonic(id)
	if err != nil {
		t.Fatal(err)
	}
	want := id.PublicKey()
	if err := m.Logout(false); err != nil {
		t.Fatal(err)
	}

	other, err := crypto.GenerateIdentity("mallory")
	if err != nil {
		t.Fatal(err)
	}
	otherPhrase, err := crypto.IdentityToMnemonic(other)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Login(Credentials{Mnemonic: otherPhrase}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("foreign phrase: got %v, want ErrUnauthenticated", err)
	}
	if _, err := m.Login(Credentials{Mnemonic: "not a phrase"}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("garbage phrase: got %v", err)
	}

	pub, err := m.Login(Credentials{Mnemonic: phrase})
	if err != nil {
		t.Fatalf("mnemonic login: %v", err)
	}
	if !bytes.Equal(pub, want) {
		t.Error("mnemonic should unlock the same key")
	}
}

func TestRecoverOnNewDevice(t *testing.T) {
	id, err := crypto.GenerateIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	phrase, err := crypto.IdentityToMnemonic(id)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	m, _ := newTestSession(t, dir)
	if _, err := m.Login(Credentials{Mnemonic: phrase, Passphrase: []byte("new device")}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !m.HasIdentity() {
		t.Fatal("recovered identity should be persisted")
	}
	m.Logout(false)

	if _, err := m.Login(Credentials{Passphrase: []byte("new device")}); err != nil {
		t.Fatalf("login after recovery: %v", err)
	}
	if !bytes.Equal(m.CurrentPublicKey(), id.PublicKey()) {
		t.Error("recovered key differs")
	}
}

func TestLogoutZeroesKey(t *testing.T) {
	dir := t.TempDir()
	m, kc := newTestSession(t, dir)
	id, err := m.CreateOrLoadIdentity(testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	kc.Set(string(testPassphrase))

	if err := m.Logout(false); err != nil {
		t.Fatal(err)
	}
	if !id.Destroyed() {
		t.Error("logout should wipe the private key")
	}
	if _, err := id.Sign([]byte("x")); !errors.Is(err, crypto.ErrKeyDestroyed) {
		t.Errorf("sign after logout: got %v", err)
	}
	if m.CurrentPublicKey() != nil || m.Signer() != nil {
		t.Error("no key should be exposed after logout")
	}
	if loggedIn, ok := localBool(t, m, FieldLoggedIn); !ok || loggedIn {
		t.Error("local/loggedIn should be false")
	}
	if !m.HasIdentity() {
		t.Error("plain logout keeps the persisted identity")
	}
	if _, err := kc.Get(); err != nil {
		t.Error("plain logout keeps the keychain entry")
	}

	if _, err := m.Login(Credentials{Passphrase: testPassphrase}); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(true); err != nil {
		t.Fatalf("Logout(true): %v", err)
	}
	if m.HasIdentity() {
		t.Error("identity file should be deleted")
	}
	if _, err := kc.Get(); !errors.Is(err, keychain.ErrNotFound) {
		t.Error("keychain entry should be deleted")
	}
}

func TestOnChangeSeesLoginAndLogout(t *testing.T) {
	m, _ := newTestSession(t, t.TempDir())

	var events []bool
	m.OnChange(func(id *crypto.Identity) {
		if id != nil && id.Destroyed() {
			t.Error("listener got a wiped identity")
		}
		events = append(events, id != nil)
	})

	if _, err := m.CreateOrLoadIdentity(testPassphrase); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(false); err != nil {
		t.Fatal(err)
	}

	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("expected [login logout], got %v", events)
	}
}

func TestRoots(t *testing.T) {
	m, _ := newTestSession(t, t.TempDir())

	if _, err := m.PublicRoot(); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("own root while logged out: got %v", err)
	}
	if _, err := m.LocalRoot().Get("toggleMenu").Put(true); err != nil {
		t.Errorf("local writes work logged out: %v", err)
	}

	id, err := m.CreateOrLoadIdentity(testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	own, err := m.PublicRoot()
	if err != nil {
		t.Fatal(err)
	}
	if own.Root() != graph.NamespaceRoot(id.PublicKey()) {
		t.Errorf("own root: got %s", own.Root())
	}
	if _, err := own.Get("profile", "name").Put("Alice"); err != nil {
		t.Fatalf("write own namespace: %v", err)
	}

	bob, err := crypto.GenerateIdentity("bob")
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := m.PublicRoot(bob.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := theirs.Get("profile", "name").Put("Mallory"); !errors.Is(err, graph.ErrUnauthorized) {
		t.Errorf("write to a foreign namespace: got %v, want ErrUnauthorized", err)
	}
}

func TestResetViewState(t *testing.T) {
	m, _ := newTestSession(t, t.TempDir())
	m.LocalRoot().Get(FieldToggleMenu).Put(true)
	m.LocalRoot().Get(FieldActiveRoute).Put("/chat")

	m.ResetViewState()

	if open, ok := localBool(t, m, FieldToggleMenu); !ok || open {
		t.Error("menu should start closed")
	}
	if up, ok := localBool(t, m, FieldScrollUp); !ok || !up {
		t.Error("scrollUp should start true")
	}
	if res := m.LocalRoot().Get(FieldActiveRoute).Once(); res.Found {
		t.Errorf("activeRoute should be cleared, got %v", res.Value)
	}
	if n, ok := m.LocalRoot().Get(FieldUnseenTotal).Value().Num(); !ok || n != 0 {
		t.Errorf("unseenTotal: got %v", n)
	}
}
