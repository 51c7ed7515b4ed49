//go:build linux

package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godzie44/udpecho"
	"github.com/godzie44/udpecho/config"
)

func parseServe(t *testing.T, args ...string) (*config.Config, error) {
	cmd := serveCmd()
	require.NoError(t, cmd.ParseFlags(args))

	fs := cmd.Flags()
	var flags serveFlags
	flags.configPath, _ = fs.GetString("config")
	flags.address, _ = fs.GetString("address")
	flags.port, _ = fs.GetInt("port")
	flags.workers, _ = fs.GetInt("workers")
	flags.notifier, _ = fs.GetString("notifier")
	flags.logLevel, _ = fs.GetString("log-level")
	flags.metricsAddr, _ = fs.GetString("metrics-addr")

	return loadConfig(cmd, flags)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parseServe(t)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udpecho.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\nworkers: 2\nlog_level: debug\n"), 0o600))

	cfg, err := parseServe(t, "-c", path, "--workers", "4", "--metrics-addr", "127.0.0.1:9100")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
}

func TestLoadConfigEnvWithoutFile(t *testing.T) {
	t.Setenv("UDPECHO_PORT", "6500")

	cfg, err := parseServe(t, "--address", "0.0.0.0")
	require.NoError(t, err)
	assert.Equal(t, 6500, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Address)
}

func TestLoadConfigNotifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udpecho.toml")
	require.NoError(t, os.WriteFile(path, []byte("notifier = \"uring\"\n"), 0o600))

	cfg, err := parseServe(t, "-c", path)
	require.NoError(t, err)
	assert.Equal(t, config.NotifierURing, cfg.Notifier)

	cfg, err = parseServe(t, "-c", path, "--notifier", "epoll")
	require.NoError(t, err)
	assert.Equal(t, config.NotifierEpoll, cfg.Notifier)

	_, err = parseServe(t, "--notifier", "select")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := parseServe(t, "--address", "::1")
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = parseServe(t, "-c", filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "udpecho dev\n", out.String())
}

func startServer(t *testing.T) *net.UDPAddr {
	cfg := config.Default()
	cfg.Port = 0
	cfg.TickInterval = "10ms"

	srv := udpecho.NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})

	<-srv.Ready()
	require.Len(t, srv.Addrs(), 1)
	return srv.Addrs()[0]
}

func TestProbe(t *testing.T) {
	addr := startServer(t)

	for _, size := range []int{0, 1, 512, 1472} {
		report, err := runProbe(context.Background(), probeOptions{
			addr:    addr,
			size:    size,
			count:   5,
			timeout: 3 * time.Second,
		})
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, 5, report.sent)
		assert.Equal(t, 5, report.echoed)
		assert.Equal(t, uint64(5*size), report.bytes)
	}
}

func TestProbeReportsLoss(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	report, err := runProbe(context.Background(), probeOptions{
		addr:    silent.LocalAddr().(*net.UDPAddr),
		size:    8,
		count:   2,
		timeout: 50 * time.Millisecond,
	})
	assert.ErrorContains(t, err, "2 lost")
	assert.Equal(t, 2, report.lost)
	assert.Contains(t, report.String(), "lost 2")
}

// scriptedEchoServer answer each datagram after its delay; reply rewrites the payload before it is sent back.
func scriptedEchoServer(t *testing.T, delays []time.Duration, reply func(b []byte)) *net.UDPAddr {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		for _, delay := range delays {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			time.Sleep(delay)
			if reply != nil {
				reply(buf[:n])
			}
			if _, err = conn.WriteToUDP(buf[:n], from); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestLateEchoNotCountedAsMismatch(t *testing.T) {
	addr := scriptedEchoServer(t, []time.Duration{150 * time.Millisecond, 0}, nil)

	report, err := runProbe(context.Background(), probeOptions{
		addr:    addr,
		size:    16,
		count:   2,
		timeout: 100 * time.Millisecond,
	})
	assert.ErrorContains(t, err, "1 lost, 0 mismatched of 2")
	assert.Equal(t, 1, report.echoed)
	assert.Equal(t, 1, report.lost)
	assert.Equal(t, 0, report.mismatch)
	assert.Equal(t, 1, report.stale)
}

func TestCorruptEchoCountedAsMismatch(t *testing.T) {
	addr := scriptedEchoServer(t, []time.Duration{0}, func(b []byte) {
		b[len(b)-1] ^= 0xFF
	})

	report, err := runProbe(context.Background(), probeOptions{
		addr:    addr,
		size:    16,
		count:   1,
		timeout: time.Second,
	})
	assert.ErrorContains(t, err, "0 lost, 1 mismatched of 1")
	assert.Equal(t, 1, report.mismatch)
	assert.Equal(t, 0, report.echoed)
}

func TestProbeCommandRejectsOversize(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"probe", "--size", "2kB"})

	assert.ErrorContains(t, cmd.Execute(), "exceeds 1472 bytes")
}
