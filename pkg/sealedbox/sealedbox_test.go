package sealedbox

import (
	"bytes"
	"crypto/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	sk, err := NewSecretKey()
	require.NoError(t, err)
	pk := sk.PublicKey()

	prop := func(msg []byte) bool {
		d, err := Encrypt(pk, msg)
		if err != nil {
			return false
		}
		plain, err := Decrypt(&sk, d)
		if err != nil {
			return false
		}
		return bytes.Equal(plain, msg)
	}
	require.NoError(t, quick.Check(prop, nil))
}

func TestRoundTripFixedSize(t *testing.T) {
	sk, err := NewSecretKey()
	require.NoError(t, err)
	pk := sk.PublicKey()

	msg := make([]byte, 32)
	_, err = rand.Read(msg)
	require.NoError(t, err)

	d, err := Encrypt(pk, msg)
	require.NoError(t, err)
	require.Len(t, d.Body, 32)

	plain, err := Decrypt(&sk, d)
	require.NoError(t, err)
	require.Equal(t, msg, plain)
}

func TestWrongKeyFails(t *testing.T) {
	sk1, err := NewSecretKey()
	require.NoError(t, err)
	sk2, err := NewSecretKey()
	require.NoError(t, err)

	d, err := Encrypt(sk1.PublicKey(), []byte("hello world"))
	require.NoError(t, err)

	_, err = Decrypt(&sk2, d)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestTamperedBoxFails(t *testing.T) {
	sk, err := NewSecretKey()
	require.NoError(t, err)

	d, err := Encrypt(sk.PublicKey(), []byte("hello world"))
	require.NoError(t, err)

	d.Body[0] ^= 0x01
	_, err = Decrypt(&sk, d)
	require.ErrorIs(t, err, ErrDecrypt)

	d.Body[0] ^= 0x01
	d.Tag[0] ^= 0x01
	_, err = Decrypt(&sk, d)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestKeyText(t *testing.T) {
	sk, err := NewSecretKey()
	require.NoError(t, err)

	var back SecretKey
	require.NoError(t, back.UnmarshalText([]byte(sk.Base64())))
	require.Equal(t, sk.Bytes(), back.Bytes())

	require.Error(t, back.UnmarshalText([]byte("not base64!!")))
	require.Error(t, back.UnmarshalText([]byte("c2hvcnQ")))
}

func TestPublicKeyDerivation(t *testing.T) {
	sk, err := NewSecretKey()
	require.NoError(t, err)

	// deterministic and stable
	require.Equal(t, sk.PublicKey(), sk.PublicKey())

	other, err := NewSecretKey()
	require.NoError(t, err)
	require.NotEqual(t, sk.PublicKey(), other.PublicKey())
}
