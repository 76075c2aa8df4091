package cryptoutil

import "errors"

var (
	ErrInvalidPublicKey  = errors.New("cryptoutil: invalid Ed25519 public key")
	ErrInvalidPrivateKey = errors.New("cryptoutil: invalid Ed25519 private key seed")
	ErrInvalidNonce      = errors.New("cryptoutil: invalid nonce encoding")
)
