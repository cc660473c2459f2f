package codexapp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	rpcVersion     = "2.0"
	scanBufInitial = 64 * 1024
	scanBufMax     = 10 * 1024 * 1024
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// serverRequestHandler answers a request initiated by the subprocess. The
// returned value is marshaled into the reply's result.
type serverRequestHandler func(method string, params json.RawMessage) (any, error)

// notificationHandler consumes a one-way message from the subprocess.
type notificationHandler func(method string, params json.RawMessage)

// conn multiplexes JSON-RPC 2.0 over newline-delimited stdio. Outbound
// request ids are monotonic; inbound messages classify by the presence of
// method and id.
type conn struct {
	writeMu sync.Mutex
	enc     *json.Encoder

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcOutcome
	closed  bool

	onRequest      serverRequestHandler
	onNotification notificationHandler
	onDisconnect   func(err error)
}

func newConn(w io.Writer, onRequest serverRequestHandler, onNotification notificationHandler, onDisconnect func(error)) *conn {
	return &conn{
		enc:            json.NewEncoder(w),
		pending:        make(map[int64]chan rpcOutcome),
		onRequest:      onRequest,
		onNotification: onNotification,
		onDisconnect:   onDisconnect,
	}
}

// readLoop classifies inbound lines until r is exhausted, then rejects all
// pending calls. Run it on its own goroutine.
func (c *conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Debug("app-server line skipped", "error", err)
			continue
		}
		switch {
		case msg.Method != "" && msg.ID != nil:
			go c.dispatchRequest(msg)
		case msg.Method != "":
			c.onNotification(msg.Method, msg.Params)
		case msg.ID != nil:
			c.resolve(&msg)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.failAll(fmt.Errorf("app-server stream ended: %w", err))
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

// dispatchRequest runs the server-request handler off the read loop so a
// slow approval cannot stall notifications.
func (c *conn) dispatchRequest(msg rpcMessage) {
	result, err := c.onRequest(msg.Method, msg.Params)
	reply := rpcMessage{JSONRPC: rpcVersion, ID: msg.ID}
	if err != nil {
		reply.Error = &rpcError{Code: -32000, Message: err.Error()}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = &rpcError{Code: -32603, Message: merr.Error()}
		} else {
			reply.Result = raw
		}
	}
	if err := c.write(&reply); err != nil {
		slog.Warn("app-server reply failed", "method", msg.Method, "error", err)
	}
}

func (c *conn) resolve(msg *rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if !ok {
		slog.Debug("app-server response for unknown id", "id", *msg.ID)
		return
	}
	if msg.Error != nil {
		ch <- rpcOutcome{err: msg.Error}
		return
	}
	ch <- rpcOutcome{result: msg.Result}
}

// Call sends one request and waits for its response or ctx.
func (c *conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcOutcome, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: connection closed", method)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := rpcMessage{JSONRPC: rpcVersion, ID: &id, Method: method, Params: raw}
	if err := c.write(&msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("%s: %w", method, out.err)
		}
		return out.result, nil
	}
}

// Notify sends a one-way message.
func (c *conn) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.write(&rpcMessage{JSONRPC: rpcVersion, Method: method, Params: raw})
}

func (c *conn) write(msg *rpcMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(msg)
}

// failAll rejects every pending call with reason. Further calls fail fast.
func (c *conn) failAll(reason error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcOutcome)
	c.closed = true
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcOutcome{err: reason}
	}
}
