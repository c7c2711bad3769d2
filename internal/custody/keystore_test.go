package custody

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeystore(t *testing.T) (*Keystore, common.Address, string) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	ks := NewKeystore(filepath.Join(dir, "keys"), true, logger)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	acc, err := ks.ks.ImportECDSA(key, "secret")
	require.NoError(t, err)

	passwordFile := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(passwordFile, []byte("secret\n"), 0o600))
	return ks, acc.Address, passwordFile
}

func TestKeystoreSignHash(t *testing.T) {
	ks, address, passwordFile := newTestKeystore(t)
	hash := crypto.Keccak256([]byte("payload"))

	_, err := ks.SignHash(context.Background(), address, hash)
	assert.ErrorIs(t, err, ErrAccountLocked)

	require.NoError(t, ks.UnlockAll(passwordFile))
	assert.Equal(t, []common.Address{address}, ks.Accounts())

	sig, err := ks.SignHash(context.Background(), address, hash)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, address, crypto.PubkeyToAddress(*pub))
}

func TestKeystoreUnknownAccount(t *testing.T) {
	ks, _, passwordFile := newTestKeystore(t)
	require.NoError(t, ks.UnlockAll(passwordFile))

	_, err := ks.SignHash(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000ff"), make([]byte, 32))
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestKeystoreWrongPassword(t *testing.T) {
	ks, _, _ := newTestKeystore(t)
	wrong := filepath.Join(t.TempDir(), "wrong")
	require.NoError(t, os.WriteFile(wrong, []byte("nope"), 0o600))
	assert.Error(t, ks.UnlockAll(wrong))
	assert.Error(t, ks.UnlockAll(filepath.Join(t.TempDir(), "missing")))
}

func TestKeystoreCancelledContext(t *testing.T) {
	ks, address, _ := newTestKeystore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ks.SignHash(ctx, address, make([]byte, 32))
	assert.ErrorIs(t, err, context.Canceled)
}
