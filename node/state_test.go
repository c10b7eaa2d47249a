package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/dorahq/dora/sign"
)

func TestRestoreMissingStateIsClean(t *testing.T) {
	conf := testConfig(t)
	n := New(conf, nil, nil)
	require.NoError(t, n.restore())
	require.Nil(t, n.keyPair)
	require.Nil(t, n.doc)
	require.Nil(t, n.key)
}

func TestRestoreRejectsTamperedShare(t *testing.T) {
	conf := testConfig(t)

	pair := sign.GenKeyPair()
	identity, err := pair.MarshalBinary()
	require.NoError(t, err)

	// a share value that does not lie on the committed polynomial
	suite := sign.Suite()
	commit, err := sign.PointToBytes(suite.Point().Pick(suite.RandomStream()))
	require.NoError(t, err)
	shareV, err := suite.Scalar().Pick(suite.RandomStream()).MarshalBinary()
	require.NoError(t, err)

	st := &persistedState{
		Identity:  identity,
		ShareI:    0,
		ShareV:    shareV,
		Commits:   [][]byte{commit, commit},
		Threshold: 2,
	}
	data, err := cbor.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(conf.SaveDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(conf.SaveDir, stateFile), data, 0o600))

	n := New(conf, nil, nil)
	err = n.restore()
	require.ErrorIs(t, err, ErrCorruptState)

	// Run refuses to start on corrupt state
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, n.Run(ctx), ErrCorruptState)
}

func TestRestoreRejectsGarbageBlob(t *testing.T) {
	conf := testConfig(t)
	require.NoError(t, os.MkdirAll(conf.SaveDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(conf.SaveDir, stateFile), []byte("not cbor"), 0o600))

	n := New(conf, nil, nil)
	require.ErrorIs(t, n.restore(), ErrCorruptState)
}
