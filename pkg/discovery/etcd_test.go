package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap/zaptest"
)

func kv(key, value string) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}
}

func TestTrackers(t *testing.T) {
	got := Trackers([]*mvccpb.KeyValue{
		kv(Key("b"), "10.0.0.2:8080"),
		kv(Key("a"), "10.0.0.1:8080"),
		kv(Prefix, "ignored"),
		kv(Key("empty"), ""),
	})
	require.Equal(t, map[string]string{"a": "10.0.0.1:8080", "b": "10.0.0.2:8080"}, got)

	addr, err := First(got)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8080", addr)
}

func TestFirstEmpty(t *testing.T) {
	_, err := First(nil)
	require.ErrorIs(t, err, ErrNoTracker)
}

func TestKey(t *testing.T) {
	require.Equal(t, "/rendezvous/trackers/Tracker", Key("Tracker"))
}

func TestFollow(t *testing.T) {
	lost := 0
	fn := Follow("10.0.0.1:8080", zaptest.NewLogger(t), func() { lost++ })

	fn(map[string]string{"a": "10.0.0.1:8080"})
	fn(map[string]string{"a": "10.0.0.1:8080", "b": "10.0.0.2:8080"})
	require.Zero(t, lost)

	fn(map[string]string{"b": "10.0.0.2:8080"})
	fn(map[string]string{})
	require.Equal(t, 1, lost)
}
