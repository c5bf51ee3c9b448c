// Package sdk provides the client-side library for the samsub registry.
// It supports both remote connections via TCP/TLS and a local embedded mode.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

const (
	maxAttempts    = 3
	dialTimeout    = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// Client is a remote client for a samsub registry daemon.
// It implements the Registry interface.
type Client struct {
	addr       string
	token      string
	disableTLS bool
	logger     *slog.Logger

	mu     sync.Mutex // Protects concurrent access to the connection
	conn   net.Conn
	reader *bufio.Reader
	caller string // identity the daemon bound to token
}

// errReplyLost reports that a command reached the daemon but its reply did not
// come back, so whether it took effect is unknown.
var errReplyLost = errors.New("connection lost after command was sent")

var _ Registry = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithPlainTCP disables TLS regardless of SAMSUB_DISABLE_TLS.
func WithPlainTCP() Option {
	return func(c *Client) { c.disableTLS = true }
}

// WithLogger routes retry warnings to l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Connect establishes a TLS-encrypted connection to a registry daemon and
// authenticates it with token. An empty token leaves the connection anonymous,
// which can read but not mutate. If SAMSUB_DISABLE_TLS is "true" it falls
// back to plain TCP.
func Connect(addr, token string, opts ...Option) (*Client, error) {
	if strings.ContainsAny(token, " \r\n") {
		return nil, fmt.Errorf("%w: token contains whitespace", schema.ErrInvalidArgument)
	}
	c := &Client{
		addr:       addr,
		token:      token,
		disableTLS: os.Getenv("SAMSUB_DISABLE_TLS") == "true",
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

// reconnect dials a fresh connection and replays AUTH. Callers hold c.mu.
func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if c.disableTLS {
		conn, err = dialer.Dial("tcp", c.addr)
	} else {
		config := &tls.Config{
			InsecureSkipVerify: true, // The daemon uses self-signed certs for internal traffic
			MinVersion:         tls.VersionTLS12,
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	}
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if c.token == "" {
		return nil
	}
	resp, _, err := c.roundTrip("AUTH " + c.token)
	if err == nil {
		err = parseErr(resp)
	}
	if err == nil {
		err = json.Unmarshal([]byte(payload(resp)), &c.caller)
	}
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// roundTrip writes one command line and reads one reply line. sent reports
// whether the command left the client.
func (c *Client) roundTrip(cmd string) (resp string, sent bool, err error) {
	c.conn.SetDeadline(time.Now().Add(requestTimeout))
	if _, err := fmt.Fprint(c.conn, cmd+"\n"); err != nil {
		return "", false, err
	}
	resp, err = c.reader.ReadString('\n')
	if err != nil {
		return "", true, err
	}
	return strings.TrimSpace(resp), true, nil
}

// sendAndReceive sends one command and returns the response payload after
// "OK". Transport failures are retried with a fresh connection; errors
// reported by the daemon are returned immediately.
func (c *Client) sendAndReceive(ctx context.Context, cmd string) (string, error) {
	return c.exchange(ctx, cmd, true)
}

// exchange is sendAndReceive with control over replay. A command that is not
// replayable is never resent once written; a lost reply yields errReplyLost.
func (c *Client) exchange(ctx context.Context, cmd string, replayable bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for i := 0; i < maxAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		if c.conn == nil {
			if err = c.reconnect(); err != nil {
				if isRemote(err) {
					return "", err
				}
				err = fmt.Errorf("reconnect failed: %w", err)
				c.backoff(ctx, i)
				continue
			}
		}

		var resp string
		var sent bool
		resp, sent, err = c.roundTrip(cmd)
		if err == nil {
			if remoteErr := parseErr(resp); remoteErr != nil {
				return "", remoteErr
			}
			return payload(resp), nil
		}

		c.logger.Warn("registry request failed, reconnecting", "attempt", i+1, "addr", c.addr, "error", err)
		c.conn.Close()
		c.conn = nil
		if sent && !replayable {
			return "", fmt.Errorf("%w: %v", errReplyLost, err)
		}
		c.backoff(ctx, i)
	}

	return "", fmt.Errorf("failed after %d attempts. last error: %w", maxAttempts, err)
}

func (c *Client) backoff(ctx context.Context, attempt int) {
	t := time.NewTimer(time.Duration((attempt+1)*200) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// parseErr turns "ERR <code> <message>" into the matching sentinel error.
func parseErr(resp string) error {
	rest, found := strings.CutPrefix(resp, "ERR ")
	if !found {
		if resp == "ERR" {
			return errors.New("registry error")
		}
		return nil
	}
	code, msg, _ := strings.Cut(rest, " ")
	return schema.FromCode(schema.Code(code), msg)
}

func isRemote(err error) bool {
	return schema.CodeOf(err) != schema.CodeInternal
}

func payload(resp string) string {
	return strings.TrimSpace(strings.TrimPrefix(resp, "OK"))
}

func decodeResp[T any](ctx context.Context, c *Client, cmd string) (T, error) {
	var out T
	resp, err := c.sendAndReceive(ctx, cmd)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", strings.Fields(cmd)[0], err)
	}
	return out, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendAndReceive(ctx, "PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response %q", resp)
	}
	return nil
}

// Initialize claims ownership. INIT is not replayed after a lost reply;
// instead the current owner is compared with this client's identity.
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.exchange(ctx, "INIT", false)
	if !errors.Is(err, errReplyLost) {
		return err
	}
	owner, ownerErr := c.Owner(ctx)
	if ownerErr != nil {
		return err
	}
	switch caller := c.callerID(); {
	case owner == "":
		return err
	case owner == caller:
		return nil
	default:
		return schema.ErrAlreadyInitialized
	}
}

func (c *Client) callerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caller
}

func (c *Client) Owner(ctx context.Context) (string, error) {
	return decodeResp[string](ctx, c, "OWNER")
}

func (c *Client) AddRecord(ctx context.Context, accountID, samsubID string, isValid bool) error {
	arg, err := json.Marshal(schema.NewRecord(accountID, samsubID, isValid))
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive(ctx, "ADD "+string(arg))
	return err
}

func (c *Client) EditValidity(ctx context.Context, samsubID string, isValid bool) (bool, error) {
	arg, err := json.Marshal(schema.ValidityUpdate{SamsubID: samsubID, IsValid: isValid})
	if err != nil {
		return false, err
	}
	return decodeResp[bool](ctx, c, "EDIT "+string(arg))
}

func (c *Client) ListRecords(ctx context.Context, fromIndex, limit uint64) ([]schema.Record, error) {
	list, err := decodeResp[[]schema.Record](ctx, c, fmt.Sprintf("LIST %d %d", fromIndex, limit))
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []schema.Record{}
	}
	return list, nil
}

func (c *Client) GetRecord(ctx context.Context, samsubID string) (schema.Record, error) {
	arg, err := json.Marshal(map[string]string{"samsub_id": samsubID})
	if err != nil {
		return schema.Record{}, err
	}
	return decodeResp[schema.Record](ctx, c, "GET "+string(arg))
}

func (c *Client) Count(ctx context.Context) (uint64, error) {
	return decodeResp[uint64](ctx, c, "COUNT")
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}
