package server

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/samsub-registry/internal/engine"
	"github.com/celerix-dev/samsub-registry/internal/metrics"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

const (
	maxConnections = 100
	connLifetime   = 5 * time.Minute
	readTimeout    = 30 * time.Second
	commandTimeout = 30 * time.Second
)

// TokenVerifier resolves a caller token to the caller identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Router serves the registry over a line-oriented TCP protocol.
type Router struct {
	registry *engine.Registry
	tokens   TokenVerifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cert     *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

func NewRouter(r *engine.Registry, tokens TokenVerifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{registry: r, tokens: tokens, logger: logger}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// SetMetrics enables per-command counters.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server and blocks until Stop is called.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	semaphore := make(chan struct{}, maxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if r.isStopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}

		// Aggressive lifetime for light traffic to prevent resource exhaustion
		conn.SetDeadline(time.Now().Add(connLifetime))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Stop closes the listener; Listen returns once it notices.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func (r *Router) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// connState is the per-connection caller binding established by AUTH.
type connState struct {
	caller string
}

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	state := &connState{}

	for {
		// Set a deadline for the next command
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		reply, quit := r.dispatch(state, line)
		if quit {
			return
		}
		if reply == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

// dispatch executes one protocol line and returns the response line.
func (r *Router) dispatch(state *connState, line string) (reply string, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	name, rest, _ := strings.Cut(line, " ")
	command := strings.ToUpper(name)
	rest = strings.TrimSpace(rest)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch command {
	case "PING":
		return "PONG", false

	case "QUIT":
		return "", true

	case "AUTH":
		if rest == "" {
			err = fmt.Errorf("%w: usage AUTH <token>", schema.ErrInvalidArgument)
			break
		}
		if r.tokens == nil {
			err = fmt.Errorf("%w: token authentication is not configured", schema.ErrUnauthorized)
			break
		}
		caller, verr := r.tokens.Verify(rest)
		if verr != nil {
			state.caller = ""
			err = fmt.Errorf("%w: %v", schema.ErrUnauthorized, verr)
			break
		}
		state.caller = caller
		reply = ok(caller)

	case "INIT":
		if err = r.registry.Initialize(ctx, state.caller); err == nil {
			reply = "OK"
		}

	case "ADD":
		var rec schema.Record
		if err = decodeArg(rest, &rec); err != nil {
			break
		}
		if err = r.registry.AddRecord(ctx, state.caller, rec.AccountID, rec.SamsubID, rec.IsValid); err == nil {
			reply = "OK"
		}

	case "EDIT":
		var upd schema.ValidityUpdate
		if err = decodeArg(rest, &upd); err != nil {
			break
		}
		var updated bool
		if updated, err = r.registry.EditValidity(ctx, state.caller, upd.SamsubID, upd.IsValid); err == nil {
			reply = ok(updated)
		}

	case "LIST":
		var fromIndex, limit uint64
		if fromIndex, limit, err = parsePage(rest); err != nil {
			break
		}
		reply = ok(r.registry.ListRecords(fromIndex, limit))

	case "GET":
		var key recordKey
		if err = decodeArg(rest, &key); err != nil {
			break
		}
		rec, found := r.registry.GetRecord(key.SamsubID)
		if !found {
			err = fmt.Errorf("%w: %q", schema.ErrRecordNotFound, key.SamsubID)
			break
		}
		reply = ok(rec)

	case "OWNER":
		reply = ok(r.registry.Owner())

	case "COUNT":
		reply = ok(r.registry.Len())

	default:
		err = fmt.Errorf("%w: unknown command %s", schema.ErrInvalidArgument, command)
	}

	if err != nil {
		r.count(command, "error")
		code := schema.CodeOf(err)
		if code == schema.CodeInternal {
			r.logger.Error("tcp command failed", "command", command, "error", err)
		}
		return errLine(code, err), false
	}
	r.count(command, "ok")
	return reply, false
}

func (r *Router) count(command, outcome string) {
	if r.metrics != nil {
		r.metrics.TCPCommands.WithLabelValues(command, outcome).Inc()
	}
}

// recordKey is the GET argument. Samsub ids are opaque, so they travel as
// JSON like every other id on the wire.
type recordKey struct {
	SamsubID string `json:"samsub_id"`
}

func decodeArg(arg string, v any) error {
	if arg == "" {
		return fmt.Errorf("%w: missing JSON argument", schema.ErrInvalidArgument)
	}
	if err := json.Unmarshal([]byte(arg), v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", schema.ErrInvalidArgument, err)
	}
	return nil
}

func parsePage(arg string) (uint64, uint64, error) {
	parts := strings.Fields(arg)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: usage LIST <from_index> <limit>", schema.ErrInvalidArgument)
	}
	fromIndex, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: from_index: %v", schema.ErrInvalidArgument, err)
	}
	limit, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: limit: %v", schema.ErrInvalidArgument, err)
	}
	return fromIndex, limit, nil
}

func ok(v any) string {
	res, err := json.Marshal(v)
	if err != nil {
		return errLine(schema.CodeInternal, errors.New("internal error"))
	}
	return "OK " + string(res)
}

// errLine formats "ERR <code> <message>" on a single line.
func errLine(code schema.Code, err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	return fmt.Sprintf("ERR %s %s", code, msg)
}
