// Package secrets keeps admin sessions (the signed identity token plus who it
// was issued to) in a per-user 0600 file. Each record is sealed with AES-GCM
// under a random key kept next to it, so the file alone does not leak tokens.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoSession is returned when no session is stored for a profile.
	ErrNoSession = errors.New("secrets: no session stored")
	// ErrExpired is returned, once, for a session past its expiry; the
	// record is dropped.
	ErrExpired = errors.New("secrets: session expired")
)

const (
	sessionsFile = "sessions.json"
	keyFile      = "sessions.key"
)

// Session is what `auth login` records for a profile.
type Session struct {
	Token     string    `json:"token"`
	UID       string    `json:"uid"`
	Email     string    `json:"email,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether s has a deadline that is not after now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type sealedFile struct {
	Sessions map[string]string `json:"sessions"` // profile -> base64(nonce|ciphertext)
}

// Vault reads and writes sessions under one directory.
type Vault struct {
	dir string
	now func() time.Time
}

// Open returns a vault rooted at dir.
func Open(dir string) *Vault {
	return &Vault{dir: dir, now: time.Now}
}

// Default returns the vault under the user config dir (beatadmin/).
func Default() (*Vault, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, "beatadmin")), nil
}

// Save stores s for profile, replacing any previous session.
func (v *Vault) Save(profile string, s Session) error {
	profile, err := checkProfile(profile)
	if err != nil {
		return err
	}
	if s.Token == "" {
		return errors.New("secrets: empty token")
	}
	key, err := v.key(true)
	if err != nil {
		return err
	}
	sf, err := v.read()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(s)
	if err != nil {
		return err
	}
	sealed, err := seal(key, plain)
	if err != nil {
		return err
	}
	sf.Sessions[profile] = base64.StdEncoding.EncodeToString(sealed)
	return v.write(sf)
}

// Load returns the session for profile. An expired session is removed and
// reported as ErrExpired.
func (v *Vault) Load(profile string) (Session, error) {
	profile, err := checkProfile(profile)
	if err != nil {
		return Session{}, err
	}
	sf, err := v.read()
	if err != nil {
		return Session{}, err
	}
	enc, ok := sf.Sessions[profile]
	if !ok {
		return Session{}, ErrNoSession
	}
	key, err := v.key(false)
	if err != nil {
		return Session{}, err
	}
	s, err := unsealSession(key, enc)
	if err != nil {
		return Session{}, fmt.Errorf("secrets: session %q: %w", profile, err)
	}
	if s.Expired(v.now()) {
		delete(sf.Sessions, profile)
		if err := v.write(sf); err != nil {
			return Session{}, err
		}
		return s, ErrExpired
	}
	return s, nil
}

// Remove forgets the session for profile and returns it. A missing session
// yields ErrNoSession; an unreadable one is removed anyway.
func (v *Vault) Remove(profile string) (Session, error) {
	profile, err := checkProfile(profile)
	if err != nil {
		return Session{}, err
	}
	sf, err := v.read()
	if err != nil {
		return Session{}, err
	}
	enc, ok := sf.Sessions[profile]
	if !ok {
		return Session{}, ErrNoSession
	}
	var s Session
	if key, err := v.key(false); err == nil {
		s, _ = unsealSession(key, enc)
	}
	delete(sf.Sessions, profile)
	return s, v.write(sf)
}

func checkProfile(p string) (string, error) {
	p = strings.TrimSpace(strings.ToLower(p))
	if p == "" {
		return "", errors.New("secrets: profile required")
	}
	return p, nil
}

func (v *Vault) read() (sealedFile, error) {
	sf := sealedFile{Sessions: map[string]string{}}
	data, err := os.ReadFile(filepath.Join(v.dir, sessionsFile))
	if errors.Is(err, os.ErrNotExist) {
		return sf, nil
	}
	if err != nil {
		return sf, err
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("secrets: %s: %w", sessionsFile, err)
	}
	if sf.Sessions == nil {
		sf.Sessions = map[string]string{}
	}
	return sf, nil
}

func (v *Vault) write(sf sealedFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(v.dir, sessionsFile, data)
}

// key loads the vault key, creating it when create is set.
func (v *Vault) key(create bool) ([]byte, error) {
	path := filepath.Join(v.dir, keyFile)
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != 32 {
			return nil, fmt.Errorf("secrets: %s is corrupt", keyFile)
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist) || !create:
		return nil, err
	}
	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := writeAtomic(v.dir, keyFile, key); err != nil {
		return nil, err
	}
	return key, nil
}

func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

func unsealSession(key []byte, enc string) (Session, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return Session{}, err
	}
	plain, err := open(key, raw)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(plain, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key, plain []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}
