package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig("DORA", "no-such-config")
	require.NoError(t, err)

	require.Equal(t, "./data", conf.SaveDir)
	require.Equal(t, "s3", conf.StorageKind)
	require.Equal(t, 20, conf.SignatureSleepTime)
	require.Equal(t, 60, conf.DkgRoundTimeout)
	require.Equal(t, 20*time.Second, conf.SleepDuration())
	require.Equal(t, time.Minute, conf.DkgTimeout())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DORA_SAVE_DIR", "/tmp/dora-state")
	t.Setenv("DORA_SIGNATURE_SLEEP_TIME", "7")

	conf, err := LoadConfig("DORA", "no-such-config")
	require.NoError(t, err)
	require.Equal(t, "/tmp/dora-state", conf.SaveDir)
	require.Equal(t, 7, conf.SignatureSleepTime)
}
