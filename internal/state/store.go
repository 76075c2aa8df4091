// Package state persists the gateway's long-lived identity: its own Ed25519
// keypair and, once a desktop has claimed the gateway, the desktop's public
// key. The layout is a plain directory:
//
//	<state-dir>/gateway.key   base64 Ed25519 seed, mode 0600
//	<state-dir>/desktop.pub   base64 Ed25519 public key; absent before claim
//
// All writes go through a temp sibling + fsync + rename so a crash never
// leaves a partially written file behind.
package state

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"phbgateway/internal/cryptoutil"
)

const (
	gatewayKeyFile = "gateway.key"
	desktopPubFile = "desktop.pub"
)

var ErrAlreadyBound = errors.New("state: desktop already bound")

// Store holds the gateway identity and the one-shot desktop binding. The
// binding read path is hot (every device auth), so it sits behind an RWMutex
// and readers get the pre- or post-claim snapshot atomically.
type Store struct {
	dir  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	mu         sync.RWMutex
	desktopPub ed25519.PublicKey
	claimedAt  time.Time
}

// Open loads the state directory, generating and persisting a fresh gateway
// keypair on first startup. A corrupt key file is an error; the operator has
// to resolve it (usually by deleting the state directory).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("state: create dir: %w", err)
	}

	s := &Store{dir: dir}

	keyPath := filepath.Join(dir, gatewayKeyFile)
	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		priv, perr := cryptoutil.PrivateKeyFromSeed(strings.TrimSpace(string(raw)))
		if perr != nil {
			return nil, fmt.Errorf("state: corrupt %s: %w", gatewayKeyFile, perr)
		}
		s.priv = priv
		s.pub = priv.Public().(ed25519.PublicKey)
	case os.IsNotExist(err):
		pub, priv, gerr := cryptoutil.GenerateIdentity()
		if gerr != nil {
			return nil, fmt.Errorf("state: generate identity: %w", gerr)
		}
		if werr := writeFileAtomic(keyPath, []byte(cryptoutil.EncodeSeed(priv)+"\n"), 0o600); werr != nil {
			return nil, werr
		}
		s.priv = priv
		s.pub = pub
	default:
		return nil, fmt.Errorf("state: read %s: %w", gatewayKeyFile, err)
	}

	pubPath := filepath.Join(dir, desktopPubFile)
	if raw, err := os.ReadFile(pubPath); err == nil {
		pub, perr := cryptoutil.ParsePublicKey(strings.TrimSpace(string(raw)))
		if perr != nil {
			return nil, fmt.Errorf("state: corrupt %s: %w", desktopPubFile, perr)
		}
		s.desktopPub = pub
		if fi, serr := os.Stat(pubPath); serr == nil {
			s.claimedAt = fi.ModTime().UTC()
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("state: read %s: %w", desktopPubFile, err)
	}

	return s, nil
}

// PublicKey returns the gateway's own public key.
func (s *Store) PublicKey() ed25519.PublicKey { return s.pub }

// PrivateKey returns the gateway's own private key.
func (s *Store) PrivateKey() ed25519.PrivateKey { return s.priv }

// IsClaimed reports whether a desktop has bound its key to this gateway.
func (s *Store) IsClaimed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desktopPub != nil
}

// DesktopPublicKey returns the bound desktop key, if any.
func (s *Store) DesktopPublicKey() (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.desktopPub == nil {
		return nil, false
	}
	return s.desktopPub, true
}

// ClaimedAt returns the time of first claim, if the gateway is claimed.
func (s *Store) ClaimedAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.desktopPub == nil {
		return time.Time{}, false
	}
	return s.claimedAt, true
}

// BindDesktop persists pub as the desktop trust root. The binding is
// one-shot: a second call fails with ErrAlreadyBound regardless of whether
// the key matches, and the file on disk is left untouched.
func (s *Store) BindDesktop(pub ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desktopPub != nil {
		return ErrAlreadyBound
	}
	pubPath := filepath.Join(s.dir, desktopPubFile)
	if err := writeFileAtomic(pubPath, []byte(cryptoutil.EncodePublicKey(pub)+"\n"), 0o644); err != nil {
		return err
	}
	s.desktopPub = append(ed25519.PublicKey(nil), pub...)
	s.claimedAt = time.Now().UTC()
	return nil
}

// writeFileAtomic writes to a temp sibling, fsyncs and renames into place so
// a partially written file is never observed as committed.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("state: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
