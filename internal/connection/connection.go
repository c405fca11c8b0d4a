// Package connection owns the per-device TCP socket lifecycle: dialing,
// transaction framing, request/response correlation and the explicit state
// machine the worker drives. Reconnection policy belongs to the worker,
// not the connection, which only reports state transitions and errors.
package connection

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/modbus"
)

// State is the connection's lifecycle stage.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config carries the per-connection timeouts; populated from
// ConnectionResilienceConfig by the worker.
type Config struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Connection is a single TCP socket to one Modbus/TCP endpoint, owned by
// the worker for one host:port:unit_id device key. It is not safe for concurrent
// Execute calls; the owning worker serializes requests.
type Connection struct {
	host   string
	port   int
	config Config

	mu            sync.Mutex
	conn          net.Conn
	state         State
	transactionID uint16
}

// New builds a Connection for host:port. Dial is lazy; callers invoke
// Connect explicitly so the worker can observe and log the state
// transition.
func New(host string, port int, cfg Config) *Connection {
	return &Connection{host: host, port: port, config: cfg, state: Disconnected}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint, classifying any dial failure by ErrorKind.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Disconnected
		return classifyDialError(err)
	}
	c.conn = conn
	c.state = Connected
	return nil
}

// Close tears down the socket. Safe to call from any state.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Closing
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
	return err
}

// Execute sends req and blocks for its response, enforcing the configured
// per-request timeout. It is the only request/response primitive the
// worker calls; the caller supplies req already validated.
func (c *Connection) Execute(ctx context.Context, req domain.Request) ([]uint16, error) {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return nil, &ClassifiedError{Kind: domain.ErrNetwork, Err: fmt.Errorf("connection: not connected")}
	}
	c.transactionID++
	if c.transactionID == 0 {
		c.transactionID = 1
	}
	txID := c.transactionID
	conn := c.conn
	c.mu.Unlock()

	frame, err := modbus.EncodeRequest(txID, req)
	if err != nil {
		return nil, &ClassifiedError{Kind: domain.ErrConfig, Err: err}
	}

	deadline := time.Now().Add(c.config.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(frame); err != nil {
		c.markBroken()
		return nil, &ClassifiedError{Kind: domain.ErrNetwork, Err: err}
	}

	header := make([]byte, 7)
	if _, err := io.ReadFull(conn, header); err != nil {
		c.markBroken()
		return nil, classifyReadError(err)
	}
	mbap, err := modbus.DecodeHeader(header)
	if err != nil {
		c.markBroken()
		return nil, &ClassifiedError{Kind: domain.ErrProtocol, Err: err}
	}
	if mbap.TransactionID != txID {
		c.markBroken()
		return nil, &ClassifiedError{Kind: domain.ErrProtocol, Err: fmt.Errorf("connection: transaction id mismatch, got %d want %d", mbap.TransactionID, txID)}
	}

	pduLen := int(mbap.Length) - 1
	if pduLen <= 0 {
		c.markBroken()
		return nil, &ClassifiedError{Kind: domain.ErrProtocol, Err: fmt.Errorf("connection: non-positive pdu length %d", pduLen)}
	}
	pdu := make([]byte, pduLen)
	if _, err := io.ReadFull(conn, pdu); err != nil {
		c.markBroken()
		return nil, classifyReadError(err)
	}

	raw, err := modbus.DecodeResponsePDU(req, pdu)
	if err != nil {
		var exc *modbus.ExceptionError
		if asExceptionError(err, &exc) {
			return nil, &ClassifiedError{Kind: exceptionErrorKind(exc.ExceptionCode), Err: err}
		}
		c.markBroken()
		return nil, &ClassifiedError{Kind: domain.ErrProtocol, Err: err}
	}
	return raw, nil
}

func asExceptionError(err error, target **modbus.ExceptionError) bool {
	exc, ok := err.(*modbus.ExceptionError)
	if ok {
		*target = exc
	}
	return ok
}

// exceptionErrorKind maps a Modbus exception code to an error class;
// illegal-function/address/value are configuration problems (the polled
// register doesn't exist), slave-busy is the transient device_busy class.
func exceptionErrorKind(code byte) domain.ErrorKind {
	switch code {
	case 0x06: // slave device busy
		return domain.ErrDeviceBusy
	case 0x01, 0x02, 0x03: // illegal function/address/value
		return domain.ErrConfig
	default:
		return domain.ErrProtocol
	}
}

func (c *Connection) markBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
}

// ClassifiedError pairs a raw error with its ErrorKind so the worker can
// log/react without re-inspecting err.
type ClassifiedError struct {
	Kind domain.ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func classifyDialError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &ClassifiedError{Kind: domain.ErrConnectTimeout, Err: err}
	}
	if opErr, ok := err.(*net.OpError); ok {
		if opErr.Op == "dial" {
			return &ClassifiedError{Kind: domain.ErrConnectionRefused, Err: err}
		}
	}
	return &ClassifiedError{Kind: domain.ErrNetwork, Err: err}
}

func classifyReadError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &ClassifiedError{Kind: domain.ErrRequestTimeout, Err: err}
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &ClassifiedError{Kind: domain.ErrNetwork, Err: err}
	}
	return &ClassifiedError{Kind: domain.ErrNetwork, Err: err}
}
