package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/adapter/replay"
	"github.com/marko911/chainhub/internal/config"
	"github.com/marko911/chainhub/internal/stream"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(t.Context(), append([]string{"chainhub"}, args...))
	return out.String(), err
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestAddressDerive_EVM(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub := hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))

	out, err := runApp(t, "address", "derive", "--family", "evm", "--public-key", pub)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), strings.TrimSpace(out))

	_, err = runApp(t, "address", "derive", "--family", "evm", "--public-key", "zz")
	assert.ErrorIs(t, err, adapter.ErrInvalidKeyFormat)
}

func TestAddressValidate(t *testing.T) {
	out, err := runApp(t, "address", "validate", "--family", "evm", "--address", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)
	assert.Equal(t, "valid", strings.TrimSpace(out))

	_, err = runApp(t, "address", "validate", "--family", "evm", "--address", "not-an-address")
	assert.ErrorIs(t, err, adapter.ErrInvalidAddress)

	_, err = runApp(t, "address", "validate", "--family", "cosmos", "--address", "x")
	assert.ErrorIs(t, err, adapter.ErrUnknownFamily)
}

func TestMultisig_EVM(t *testing.T) {
	out, err := runApp(t, "multisig", "--family", "evm",
		"--owner", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"--owner", "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"--threshold", "2",
	)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "address: 0x"), out)

	_, err = runApp(t, "multisig", "--family", "evm",
		"--owner", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"--threshold", "2",
	)
	assert.ErrorIs(t, err, adapter.ErrInvalidThreshold)
}

func writeBlockFixture(t *testing.T, dir string, number uint64, hash string) {
	t.Helper()
	data, err := json.Marshal(replay.BlockFixture{Number: number, Hash: hash, ParentHash: "0xparent", Timestamp: 1700000000})
	require.NoError(t, err)
	raw, err := json.Marshal(replay.Fixture{
		Chain:      "ethereum",
		Type:       replay.FixtureBlock,
		RecordedAt: time.Unix(1700000000, 0).UTC(),
		Data:       data,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_block.json"), raw, 0o644))
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	writeBlockFixture(t, dir, 42, "0xb42")

	out, err := runApp(t, "replay", "--dir", dir, "--kind", "block", "--for", "300ms")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1, out)
	var ev protov1.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, protov1.EventKindBlock, ev.Kind)
	assert.Equal(t, uint64(42), ev.Block.Number)
}

func TestService_ForwardsReplayToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = sub.Close() })
	ps := sub.Subscribe(t.Context(), "chainhub:events:ethereum")
	t.Cleanup(func() { _ = ps.Close() })
	_, err := ps.Receive(t.Context())
	require.NoError(t, err)

	dir := t.TempDir()
	writeBlockFixture(t, dir, 7, "0xb7")

	cfg := config.Default()
	cfg.MetricsAddr = ""
	cfg.Gateway.Enabled = false
	cfg.Replay.Speed = 0
	cfg.Sinks.Kinds = []string{"block"}
	cfg.Sinks.Redis = config.RedisSinkConfig{Enabled: true, Addr: mr.Addr()}
	cfg.Chains = []config.ChainConfig{{Name: "ethereum", Family: "evm", StreamURL: "file://" + dir}}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	svc, err := newService(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.Len(t, svc.sinks, 1)

	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()

	select {
	case msg := <-ps.Channel():
		var ev protov1.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, uint64(7), ev.Block.Number)
	case <-time.After(3 * time.Second):
		t.Fatal("no event published")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_StartStreamsRecordsWatchList(t *testing.T) {
	dir := t.TempDir()
	writeBlockFixture(t, dir, 1, "0xb1")

	cfg := config.Default()
	cfg.Gateway.Enabled = false
	cfg.Chains = []config.ChainConfig{{
		Name:      "ethereum",
		Family:    "evm",
		StreamURL: "file://" + dir,
		Watch:     []string{"0xAA"},
		Filters:   []stream.LogFilter{{Address: "0xBB"}},
	}}

	svc, err := newService(t.Context(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(svc.close)

	require.NoError(t, svc.startStreams(t.Context()))
	st, err := svc.streams.Get("ethereum", "file://"+dir)
	require.NoError(t, err)
	assert.Equal(t, protov1.ConnectionState_CONNECTED, st.State())
	assert.Len(t, st.Subscriptions(), 3, "heads, one filter and one address")

	assert.Eventually(t, func() bool {
		_, hash, ok := svc.monitor.Head("ethereum")
		return ok && hash == "0xb1"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRecordCommand(t *testing.T) {
	src := t.TempDir()
	writeBlockFixture(t, src, 42, "0xb42")
	out := filepath.Join(t.TempDir(), "recorded")

	cfgPath := filepath.Join(t.TempDir(), "chainhub.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
replay:
  speed: 0
chains:
  - name: ethereum
    family: evm
    stream_url: file://`+src+`
`), 0o600))

	_, err := runApp(t, "--config", cfgPath, "record", "--chain", "ethereum", "--out", out, "--for", "300ms")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(out, "000001_block_42.json"))
	require.NoError(t, err)
	var f replay.Fixture
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "ethereum", f.Chain)
	assert.Equal(t, replay.FixtureBlock, f.Type)
	assert.Equal(t, "0xb42", f.BlockHash)

	_, err = runApp(t, "--config", cfgPath, "record", "--chain", "solana", "--out", out)
	assert.ErrorContains(t, err, "not configured")
}

func TestService_HealthzPingsSinks(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Gateway.Enabled = false
	cfg.Sinks.Redis = config.RedisSinkConfig{Enabled: true, Addr: mr.Addr()}

	svc, err := newService(t.Context(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(svc.close)

	rec := httptest.NewRecorder()
	svc.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	svc.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis:")
}
