package logs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dorahq/dora/sign"
)

func TestNodeSignatureLogRoundTrip(t *testing.T) {
	pair := sign.GenKeyPair()
	log := NewNodeSignatureLog("sess-1", "req-1", "did:dora:me",
		[]string{"did:dora:me", "did:dora:b", "did:dora:c"},
		[]string{"did:dora:me", "did:dora:b"},
		[]string{"did:dora:c"})

	require.Equal(t, []string{"did:dora:c"}, log.AbsentNodes)
	require.Equal(t, []string{"did:dora:c"}, log.BadSigners)

	require.NoError(t, log.Sign(pair))
	require.NoError(t, log.Verify(pair.Public))

	// serialize, deserialize, verify again
	data, err := json.Marshal(log)
	require.NoError(t, err)
	var back NodeSignatureLog
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.Verify(pair.Public))

	// tampering breaks verification
	back.AbsentNodes = nil
	require.Error(t, back.Verify(pair.Public))
}

func TestNodeSignatureLogWrongKey(t *testing.T) {
	pair := sign.GenKeyPair()
	other := sign.GenKeyPair()
	log := NewNodeSignatureLog("s", "r", "did:dora:x", nil, nil, nil)
	require.NoError(t, log.Sign(pair))
	require.Error(t, log.Verify(other.Public))
}

func TestCommitteeLogSignedBytesStable(t *testing.T) {
	log := NewCommitteeLog("req-9", "did:dora:committee", 1_700_000_000)
	log.Result = Success
	log.SetData([]byte("hello"))

	a, err := log.SignedBytes()
	require.NoError(t, err)
	b, err := log.SignedBytes()
	require.NoError(t, err)
	require.Equal(t, a, b)

	data, err := log.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestCommitteeLogUnsigned(t *testing.T) {
	log := NewCommitteeLog("req", "did:dora:c", 0)
	require.Error(t, log.Verify(sign.GenKeyPair().Public))
}
