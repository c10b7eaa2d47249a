package sign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pair := GenKeyPair()
	msg := []byte("oracle payload")

	sig, err := SignBytes(pair, msg)
	require.NoError(t, err)
	require.NoError(t, VerifyBytes(pair.Public, msg, sig))

	sig[0] ^= 0xff
	require.Error(t, VerifyBytes(pair.Public, msg, sig))
}

func TestKeyPairMarshalRestore(t *testing.T) {
	pair := GenKeyPair()
	data, err := pair.MarshalBinary()
	require.NoError(t, err)

	restored, err := KeyPairFromBytes(data)
	require.NoError(t, err)
	require.True(t, restored.Public.Equal(pair.Public))

	sig, err := SignBytes(restored, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, VerifyBytes(pair.Public, []byte("x"), sig))
}

func TestEncryptDecrypt(t *testing.T) {
	receiver := GenKeyPair()
	plain := []byte("deal share for peer 2")

	ct, err := Encrypt(receiver.Public, plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, ct)

	got, err := Decrypt(receiver.Secret, ct)
	require.NoError(t, err)
	require.Equal(t, plain, got)

	other := GenKeyPair()
	_, err = Decrypt(other.Secret, ct)
	require.Error(t, err)
}

func TestPublicKeyHexRoundTrip(t *testing.T) {
	pair := GenKeyPair()
	s := PublicKeyHex(pair.Public)
	p, err := PublicKeyFromHex(s)
	require.NoError(t, err)
	require.True(t, p.Equal(pair.Public))
}
