// Package sdk provides the client-side library for interacting with the ledger store.
// It supports both remote connections via TCP/TLS and local embedded mode.
package sdk

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/pkg/engine"
)

const (
	defaultTimeout = 5 * time.Second
	// Connections idle longer than this are replaced before a command is sent,
	// so the server's idle cutoff never turns a write into an indeterminate one.
	maxIdle = 20 * time.Second
)

// Options tunes a remote Client.
type Options struct {
	// Timeout bounds every round trip. Zero means 5s.
	Timeout time.Duration
	// DisableTLS dials plain TCP.
	DisableTLS bool
	Logger     *zap.Logger
}

// Client is a remote client for the ledger store.
// It implements the Store interface.
type Client struct {
	addr     string
	opts     Options
	conn     net.Conn
	reader   *bufio.Reader
	lastUsed time.Time
	mu       sync.Mutex // Protects concurrent access to the connection
}

// Connect establishes a connection to a remote store daemon.
// If CELERIX_DISABLE_TLS is set to "true", it falls back to plain TCP.
func Connect(addr string) (*Client, error) {
	return Dial(addr, Options{DisableTLS: os.Getenv("CELERIX_DISABLE_TLS") == "true"})
}

// Dial connects with explicit options.
func Dial(addr string, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{addr: addr, opts: opts}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   c.opts.Timeout,
		KeepAlive: 60 * time.Second,
	}

	if c.opts.DisableTLS {
		conn, err = dialer.Dial("tcp", c.addr)
	} else {
		config := &tls.Config{
			InsecureSkipVerify: true, // self-signed certs for internal traffic
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	}
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.lastUsed = time.Now()
	return nil
}

// sendAndReceive runs one command. Reads are retried up to 3 times with
// backoff. A mutating command is only retried while nothing has been written
// for it; once it is on the wire a transport failure yields ErrIndeterminate.
func (c *Client) sendAndReceive(cmd string, mutating bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for i := 0; i < 3; i++ {
		if c.conn != nil && time.Since(c.lastUsed) > maxIdle {
			c.conn.Close()
			c.conn = nil
		}
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration((i+1)*100) * time.Millisecond)
				continue
			}
		}

		c.conn.SetDeadline(time.Now().Add(c.opts.Timeout))
		c.lastUsed = time.Now()

		var resp string
		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				return parseReply(resp)
			}
		}

		c.opts.Logger.Warn("store round trip failed",
			zap.Int("attempt", i+1), zap.String("addr", c.addr), zap.Error(err))
		c.conn.Close()
		c.conn = nil

		if mutating {
			return "", fmt.Errorf("%w: %v", ErrIndeterminate, err)
		}
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after 3 attempts. last error: %w", err)
}

// parseReply turns "OK ..." into its payload and "ERR ..." into an error,
// mapping the engine's messages back onto the shared sentinel errors.
func parseReply(resp string) (string, error) {
	resp = strings.TrimSpace(resp)
	if !strings.HasPrefix(resp, "ERR") {
		return strings.TrimSpace(strings.TrimPrefix(resp, "OK")), nil
	}
	msg := strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))
	for _, known := range []error{ErrKeyNotFound, ErrAppNotFound, ErrPersonaNotFound, ErrVersionConflict} {
		if msg == known.Error() {
			return "", known
		}
	}
	if strings.HasPrefix(msg, ErrInvalidName.Error()) {
		return "", fmt.Errorf("%w%s", ErrInvalidName, strings.TrimPrefix(msg, ErrInvalidName.Error()))
	}
	return "", errors.New(msg)
}

// command builds a protocol line after checking that every name is a
// single field.
func command(verb string, names ...string) (string, error) {
	if err := engine.ValidateNames(names...); err != nil {
		return "", err
	}
	return verb + " " + strings.Join(names, " "), nil
}

func (c *Client) Get(personaID, appID, key string) (any, error) {
	cmd, err := command("GET", personaID, appID, key)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndReceive(cmd, false)
	if err != nil {
		return nil, err
	}
	var val any
	err = json.Unmarshal([]byte(resp), &val)
	return val, err
}

func (c *Client) GetVersioned(personaID, appID, key string) (any, uint64, error) {
	cmd, err := command("GETV", personaID, appID, key)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.sendAndReceive(cmd, false)
	if err != nil {
		return nil, 0, err
	}
	verStr, jsonData, _ := strings.Cut(resp, " ")
	ver, err := strconv.ParseUint(verStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed GETV reply %q", resp)
	}
	var val any
	err = json.Unmarshal([]byte(jsonData), &val)
	return val, ver, err
}

func (c *Client) Set(personaID, appID, key string, val any) error {
	cmd, err := command("SET", personaID, appID, key)
	if err != nil {
		return err
	}
	jsonData, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive(cmd+" "+string(jsonData), true)
	return err
}

func (c *Client) SetIfVersion(personaID, appID, key string, val any, expected uint64) (uint64, error) {
	cmd, err := command("SETIF", personaID, appID, key)
	if err != nil {
		return 0, err
	}
	jsonData, err := json.Marshal(val)
	if err != nil {
		return 0, err
	}
	resp, err := c.sendAndReceive(fmt.Sprintf("%s %d %s", cmd, expected, jsonData), true)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(resp, 10, 64)
}

func (c *Client) Take(personaID, appID, key string) (any, error) {
	cmd, err := command("TAKE", personaID, appID, key)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndReceive(cmd, true)
	if err != nil {
		return nil, err
	}
	var val any
	err = json.Unmarshal([]byte(resp), &val)
	return val, err
}

func (c *Client) Delete(personaID, appID, key string) error {
	cmd, err := command("DEL", personaID, appID, key)
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive(cmd, true)
	return err
}

func (c *Client) GetPersonas() ([]string, error) {
	resp, err := c.sendAndReceive("LIST_PERSONAS", false)
	if err != nil {
		return nil, err
	}
	var list []string
	err = json.Unmarshal([]byte(resp), &list)
	return list, err
}

func (c *Client) GetApps(personaID string) ([]string, error) {
	cmd, err := command("LIST_APPS", personaID)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndReceive(cmd, false)
	if err != nil {
		return nil, err
	}
	var list []string
	err = json.Unmarshal([]byte(resp), &list)
	return list, err
}

func (c *Client) GetAppStore(personaID, appID string) (map[string]any, error) {
	cmd, err := command("DUMP", personaID, appID)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndReceive(cmd, false)
	if err != nil {
		return nil, err
	}
	var store map[string]any
	err = json.Unmarshal([]byte(resp), &store)
	return store, err
}

func (c *Client) DumpApp(appID string) (map[string]map[string]any, error) {
	cmd, err := command("DUMP_APP", appID)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndReceive(cmd, false)
	if err != nil {
		return nil, err
	}
	var store map[string]map[string]any
	err = json.Unmarshal([]byte(resp), &store)
	return store, err
}

func (c *Client) GetGlobal(appID, key string) (any, string, error) {
	cmd, err := command("GET_GLOBAL", appID, key)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.sendAndReceive(cmd, false)
	if err != nil {
		return nil, "", err
	}
	var out struct {
		Persona string `json:"persona"`
		Value   any    `json:"value"`
	}
	err = json.Unmarshal([]byte(resp), &out)
	return out.Value, out.Persona, err
}

func (c *Client) Move(srcPersona, dstPersona, appID, key string) error {
	cmd, err := command("MOVE", srcPersona, dstPersona, appID, key)
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive(cmd, true)
	return err
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING", false)
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

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
