// Package custody signs transaction hashes with keys the service never exposes.
package custody

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownAccount = errors.New("no key held for account")
	ErrAccountLocked  = errors.New("account is locked")
)

// KeyCustody produces a 65 byte [R || S || V] secp256k1 signature over hash
// with the key of address.
type KeyCustody interface {
	SignHash(ctx context.Context, address common.Address, hash []byte) ([]byte, error)
}

type Keystore struct {
	ks     *keystore.KeyStore
	logger *logrus.Entry
}

func NewKeystore(dir string, lightScrypt bool, logger *logrus.Logger) *Keystore {
	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if lightScrypt {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	return &Keystore{
		ks:     keystore.NewKeyStore(dir, scryptN, scryptP),
		logger: logger.WithField("service", "custody"),
	}
}

func (k *Keystore) Accounts() []common.Address {
	accs := k.ks.Accounts()
	out := make([]common.Address, 0, len(accs))
	for _, a := range accs {
		out = append(out, a.Address)
	}
	return out
}

// UnlockAll unlocks every key in the keystore with the passphrase read from passwordFile.
func (k *Keystore) UnlockAll(passwordFile string) error {
	raw, err := os.ReadFile(passwordFile)
	if err != nil {
		return fmt.Errorf("fail to read keystore password file, err: %w", err)
	}
	passphrase := strings.TrimRight(string(raw), "\r\n")
	for _, acc := range k.ks.Accounts() {
		if err := k.ks.Unlock(acc, passphrase); err != nil {
			return fmt.Errorf("fail to unlock account %s, err: %w", acc.Address.Hex(), err)
		}
		k.logger.WithField("address", acc.Address.Hex()).Info("account unlocked")
	}
	return nil
}

func (k *Keystore) SignHash(ctx context.Context, address common.Address, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc, err := k.ks.Find(accounts.Account{Address: address})
	if err != nil {
		if errors.Is(err, keystore.ErrNoMatch) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, address.Hex())
		}
		return nil, fmt.Errorf("fail to find account %s, err: %w", address.Hex(), err)
	}
	sig, err := k.ks.SignHash(acc, hash)
	if err != nil {
		if errors.Is(err, keystore.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrAccountLocked, address.Hex())
		}
		return nil, fmt.Errorf("fail to sign hash, err: %w", err)
	}
	return sig, nil
}
