// Package vault seals full bank routing and account numbers so only the
// last four digits are ever stored in clear.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Numbers are the sensitive halves of a bank account.
type Numbers struct {
	Routing string `json:"routing"`
	Account string `json:"account"`
}

func (n Numbers) String() string {
	return fmt.Sprintf("routing ****%s account ****%s", Last4(n.Routing), Last4(n.Account))
}

func Last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

var ErrOpen = errors.New("vault: cannot open sealed data")

type Vault struct {
	aead cipher.AEAD
}

func New(key []byte) (*Vault, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts n with a random nonce; accountID is bound as associated data
// so ciphertext cannot be moved to another account row.
func (v *Vault) Seal(accountID string, n Numbers) ([]byte, error) {
	plain, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plain)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plain, []byte(accountID)), nil
}

func (v *Vault) Open(accountID string, sealed []byte) (Numbers, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns+v.aead.Overhead() {
		return Numbers{}, ErrOpen
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(accountID))
	if err != nil {
		return Numbers{}, ErrOpen
	}
	var n Numbers
	if err := json.Unmarshal(plain, &n); err != nil {
		return Numbers{}, ErrOpen
	}
	return n, nil
}

// ValidateAccountNumber checks the DFI account number fits an entry record.
func ValidateAccountNumber(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 17 {
		return fmt.Errorf("account number must be 1-17 characters")
	}
	if strings.Trim(s, "0123456789-") != "" {
		return fmt.Errorf("account number must be digits")
	}
	return nil
}
