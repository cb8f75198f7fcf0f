package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndParse(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("enr-1", "2025/CERT2025000001.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ownerID, path, parsedExpiry, err := signer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "enr-1", ownerID)
	require.Equal(t, "2025/CERT2025000001.pdf", path)
	require.WithinDuration(t, expiresAt, parsedExpiry, time.Second)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	token, _, err := signer.Generate("enr-1", "cert.pdf")
	require.NoError(t, err)

	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, _, _, err = signer.Parse(token)
	require.Error(t, err)
}

func TestSignedURLSignerTampered(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Generate("enr-1", "cert.pdf")
	require.NoError(t, err)

	tampered := strings.Replace(token, "enr-1", "enr-2", 1)
	_, _, _, err = signer.Parse(tampered)
	require.Error(t, err)
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save("../escape.pdf", []byte("x"))
	require.Error(t, err)

	name, err := store.Save("2025/cert.pdf", []byte("pdf"))
	require.NoError(t, err)
	f, err := store.Open(name)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
