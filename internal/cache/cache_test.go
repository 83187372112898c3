package cache

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-rollout/internal/config"
)

func TestMemoryProviderSetNXAndExpiry(t *testing.T) {
	m := NewMemoryProvider()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, err = m.SetNX(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := m.CompareAndDelete(ctx, "k", []byte("a"))
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = m.CompareAndDelete(ctx, "k", []byte("b"))
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestLeaseExcludesSecondHolder(t *testing.T) {
	provider := NewMemoryProvider()
	lease := NewLease(provider, "monitor", time.Minute)
	ctx := context.Background()

	release, ok, err := lease.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lease.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	_, ok, err = lease.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewDisabledUsesMemory(t *testing.T) {
	p, err := New(config.CacheConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &MemoryProvider{}, p)
}

// fakeValkey answers PING, SET ... NX and the compare-and-delete EVAL.
type fakeValkey struct {
	mu   sync.Mutex
	data map[string]string
	ln   net.Listener
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeValkey{data: map[string]string{}, ln: ln}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		_, _ = io.WriteString(conn, f.exec(args))
	}
}

func (f *fakeValkey) exec(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "SET":
		if _, exists := f.data[args[1]]; exists {
			return "$-1\r\n"
		}
		f.data[args[1]] = args[2]
		return "+OK\r\n"
	case "EVAL":
		key, want := args[3], args[4]
		if f.data[key] == want {
			delete(f.data, key)
			return ":1\r\n"
		}
		return ":0\r\n"
	default:
		return "-ERR unknown command\r\n"
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(header[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(sizeLine[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestValkeyProviderLeaseRoundTrip(t *testing.T) {
	server := startFakeValkey(t)
	p, err := NewValkeyProvider(ValkeyConfig{Addr: server.ln.Addr().String()})
	require.NoError(t, err)
	defer p.Close()

	lease := NewLease(p, "mirador-rollout:monitor", time.Minute)
	ctx := context.Background()

	release, ok, err := lease.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lease.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	server.mu.Lock()
	assert.Empty(t, server.data)
	server.mu.Unlock()
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	_, err := NewValkeyProvider(ValkeyConfig{})
	assert.Error(t, err)
}
