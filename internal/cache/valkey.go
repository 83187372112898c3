package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// compareAndDeleteScript deletes KEYS[1] only while it holds ARGV[1].
const compareAndDeleteScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// ValkeyProvider implements Provider against a Valkey/Redis-compatible server using one
// short-lived connection per call.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// NewValkeyProvider pings the server so bad credentials or addresses fail at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.withDefaults()
	p := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.kind != kindStatus || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("unexpected PING reply %q", reply.data)
	}
	return p, nil
}

// SetNX issues SET key value NX [PX ttl].
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := []string{key, string(value), "NX"}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, "SET", args...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case kindStatus:
		return true, nil
	case kindNil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected SET NX reply kind %q", reply.kind)
	}
}

// CompareAndDelete runs a server-side script so the check and delete are atomic.
func (p *ValkeyProvider) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	reply, err := p.do(ctx, "EVAL", compareAndDeleteScript, "1", key, string(value))
	if err != nil {
		return false, err
	}
	if reply.kind != kindInteger {
		return false, fmt.Errorf("unexpected EVAL reply kind %q", reply.kind)
	}
	return string(reply.data) == "1", nil
}

// Close is a no-op; connections are not pooled.
func (p *ValkeyProvider) Close() error { return nil }

// do runs one command on a fresh connection, retrying transient network failures.
func (p *ValkeyProvider) do(ctx context.Context, command string, args ...string) (reply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return reply{}, err
		}
		r, err := p.once(ctx, command, args...)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.cfg.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return reply{}, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return reply{}, lastErr
}

func (p *ValkeyProvider) once(ctx context.Context, command string, args ...string) (reply, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return reply{}, err
	}
	defer conn.Close()

	rc := &respConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn), cfg: p.cfg}
	if err := p.handshake(rc); err != nil {
		return reply{}, err
	}
	if err := rc.send(command, args...); err != nil {
		return reply{}, err
	}
	return rc.receive()
}

func (p *ValkeyProvider) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout(ctx, p.cfg.DialTimeout)}
	if !p.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	host, _, err := net.SplitHostPort(p.cfg.Addr)
	if err != nil {
		host = p.cfg.Addr
	}
	td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
	return td.DialContext(ctx, "tcp", p.cfg.Addr)
}

func (p *ValkeyProvider) handshake(rc *respConn) error {
	if p.cfg.Password != "" {
		args := []string{p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{p.cfg.Username, p.cfg.Password}
		}
		if err := rc.expectOK("AUTH", args...); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if err := rc.expectOK("SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return fmt.Errorf("select db %d: %w", p.cfg.DB, err)
		}
	}
	return nil
}

type replyKind string

const (
	kindStatus  replyKind = "status"
	kindInteger replyKind = "integer"
	kindBulk    replyKind = "bulk"
	kindNil     replyKind = "nil"
)

type reply struct {
	kind replyKind
	data []byte
}

// respConn speaks the subset of RESP2 the provider needs.
type respConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	cfg  ValkeyConfig
}

func (rc *respConn) send(command string, args ...string) error {
	if err := rc.conn.SetWriteDeadline(time.Now().Add(rc.cfg.WriteTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(rc.w, "*%d\r\n", len(args)+1)
	for _, part := range append([]string{command}, args...) {
		fmt.Fprintf(rc.w, "$%d\r\n%s\r\n", len(part), part)
	}
	return rc.w.Flush()
}

func (rc *respConn) expectOK(command string, args ...string) error {
	if err := rc.send(command, args...); err != nil {
		return err
	}
	r, err := rc.receive()
	if err != nil {
		return err
	}
	if r.kind != kindStatus || !strings.EqualFold(string(r.data), "OK") {
		return fmt.Errorf("unexpected reply %q", r.data)
	}
	return nil
}

func (rc *respConn) receive() (reply, error) {
	if err := rc.conn.SetReadDeadline(time.Now().Add(rc.cfg.ReadTimeout)); err != nil {
		return reply{}, err
	}
	prefix, err := rc.r.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := rc.line()
	if err != nil {
		return reply{}, err
	}
	switch prefix {
	case '+':
		return reply{kind: kindStatus, data: line}, nil
	case '-':
		return reply{}, fmt.Errorf("valkey: %s", line)
	case ':':
		return reply{kind: kindInteger, data: line}, nil
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, fmt.Errorf("bulk length: %w", err)
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(rc.r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("invalid bulk termination")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	case '_':
		return reply{kind: kindNil}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (rc *respConn) line() ([]byte, error) {
	s, err := rc.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(s, "\r\n")), nil
}

func (c *ValkeyConfig) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
}

func dialTimeout(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if remaining < d {
			return remaining
		}
	}
	return d
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 25 * time.Millisecond
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
