package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-rewards/pkg/engine"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
	"go.uber.org/zap"
)

const (
	maxConns    = 100
	idleTimeout = 60 * time.Second
	writeTimout = 10 * time.Second
)

type Router struct {
	store    sdk.Store
	cert     *tls.Certificate
	log      *zap.Logger
	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewRouter(s sdk.Store, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{store: s, log: log}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Addr reports the bound address once Listen is running, or nil.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener; Listen returns nil afterwards.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// Listen starts the TCP server
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	semaphore := make(chan struct{}, maxConns)

	for {
		conn, err := listener.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("accept failed", zap.Error(err))
			continue
		}

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

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		reply, quit := r.dispatch(line)
		if quit {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimout))
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func okJSON(v any) string {
	res, err := json.Marshal(v)
	if err != nil {
		return "ERR internal error"
	}
	return "OK " + string(res)
}

func errReply(err error) string {
	return "ERR " + err.Error()
}

// fields splits the arguments of a name-only command. It fails unless there
// are exactly n of them and each is a valid name.
func fields(rest string, n int) ([]string, bool) {
	parts := strings.Fields(rest)
	if len(parts) != n || engine.ValidateNames(parts...) != nil {
		return nil, false
	}
	return parts, true
}

// dispatch executes one protocol line and returns the reply.
// Values are the trailing field and may contain spaces.
func (r *Router) dispatch(line string) (string, bool) {
	command, rest, _ := strings.Cut(line, " ")
	command = strings.ToUpper(command)

	switch command {
	case "GET":
		parts, ok := fields(rest, 3)
		if !ok {
			return "ERR usage: GET persona app key", false
		}
		val, err := r.store.Get(parts[0], parts[1], parts[2])
		if err != nil {
			return errReply(err), false
		}
		return okJSON(val), false

	case "GETV":
		parts, ok := fields(rest, 3)
		if !ok {
			return "ERR usage: GETV persona app key", false
		}
		val, ver, err := r.store.GetVersioned(parts[0], parts[1], parts[2])
		if err != nil {
			return errReply(err), false
		}
		res, err := json.Marshal(val)
		if err != nil {
			return "ERR internal error", false
		}
		return fmt.Sprintf("OK %d %s", ver, res), false

	case "SET":
		parts := strings.SplitN(rest, " ", 4)
		if len(parts) < 4 || engine.ValidateNames(parts[:3]...) != nil {
			return "ERR usage: SET persona app key json", false
		}
		var val any
		if err := json.Unmarshal([]byte(parts[3]), &val); err != nil {
			return "ERR invalid json value", false
		}
		if err := r.store.Set(parts[0], parts[1], parts[2], val); err != nil {
			return errReply(err), false
		}
		return "OK", false

	case "SETIF":
		parts := strings.SplitN(rest, " ", 5)
		if len(parts) < 5 || engine.ValidateNames(parts[:3]...) != nil {
			return "ERR usage: SETIF persona app key version json", false
		}
		expected, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return "ERR invalid version", false
		}
		var val any
		if err := json.Unmarshal([]byte(parts[4]), &val); err != nil {
			return "ERR invalid json value", false
		}
		ver, err := r.store.SetIfVersion(parts[0], parts[1], parts[2], val, expected)
		if err != nil {
			return errReply(err), false
		}
		return fmt.Sprintf("OK %d", ver), false

	case "TAKE":
		parts, ok := fields(rest, 3)
		if !ok {
			return "ERR usage: TAKE persona app key", false
		}
		val, err := r.store.Take(parts[0], parts[1], parts[2])
		if err != nil {
			return errReply(err), false
		}
		return okJSON(val), false

	case "DEL":
		parts, ok := fields(rest, 3)
		if !ok {
			return "ERR usage: DEL persona app key", false
		}
		if err := r.store.Delete(parts[0], parts[1], parts[2]); err != nil {
			return errReply(err), false
		}
		return "OK", false

	case "LIST_PERSONAS":
		list, err := r.store.GetPersonas()
		if err != nil {
			return errReply(err), false
		}
		return okJSON(list), false

	case "LIST_APPS":
		parts, ok := fields(rest, 1)
		if !ok {
			return "ERR usage: LIST_APPS persona", false
		}
		list, err := r.store.GetApps(parts[0])
		if err != nil {
			return errReply(err), false
		}
		return okJSON(list), false

	case "DUMP":
		parts, ok := fields(rest, 2)
		if !ok {
			return "ERR usage: DUMP persona app", false
		}
		data, err := r.store.GetAppStore(parts[0], parts[1])
		if err != nil {
			return errReply(err), false
		}
		return okJSON(data), false

	case "DUMP_APP":
		parts, ok := fields(rest, 1)
		if !ok {
			return "ERR usage: DUMP_APP app", false
		}
		data, err := r.store.DumpApp(parts[0])
		if err != nil {
			return errReply(err), false
		}
		return okJSON(data), false

	case "GET_GLOBAL":
		parts, ok := fields(rest, 2)
		if !ok {
			return "ERR usage: GET_GLOBAL app key", false
		}
		val, personaID, err := r.store.GetGlobal(parts[0], parts[1])
		if err != nil {
			return errReply(err), false
		}
		return okJSON(map[string]any{"persona": personaID, "value": val}), false

	case "MOVE":
		parts, ok := fields(rest, 4)
		if !ok {
			return "ERR usage: MOVE src dst app key", false
		}
		if err := r.store.Move(parts[0], parts[1], parts[2], parts[3]); err != nil {
			return errReply(err), false
		}
		return "OK", false

	case "PING":
		return "PONG", false

	case "QUIT":
		return "", true
	}

	return "ERR unknown command " + command, false
}
