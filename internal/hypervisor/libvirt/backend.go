// Package libvirt drives guests on a plain libvirt/QEMU host: domain power
// state, the QEMU guest agent for ping and file exchange, and reset.
package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"

	golibvirt "github.com/digitalocean/go-libvirt"

	"guest-watchdog/internal/hypervisor"
	"guest-watchdog/internal/model"
)

const (
	agentTimeoutSeconds = 10
	readChunk           = 4096
	// Guest files are tiny timestamps; refuse to buffer a runaway file.
	maxReadBytes = 64 * 1024
)

// domainAPI is the slice of *golibvirt.Libvirt the backend uses.
type domainAPI interface {
	DomainLookupByName(name string) (golibvirt.Domain, error)
	DomainGetInfo(dom golibvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	QEMUDomainAgentCommand(dom golibvirt.Domain, cmd string, timeout int32, flags uint32) (golibvirt.OptString, error)
	DomainReset(dom golibvirt.Domain, flags uint32) error
}

// Backend implements the watchdog hypervisor contract over libvirt RPC.
type Backend struct {
	client func(ctx context.Context) (domainAPI, error)
	drop   func(domainAPI)
	retry  hypervisor.Policy
	logger *slog.Logger
}

func NewBackend(conn *ConnManager, retry hypervisor.Policy, logger *slog.Logger) *Backend {
	return &Backend{
		client: func(ctx context.Context) (domainAPI, error) {
			c, err := conn.Client(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		drop: func(api domainAPI) {
			if c, ok := api.(*golibvirt.Libvirt); ok {
				conn.Drop(c)
			}
		},
		retry:  retry,
		logger: logger.With("component", "libvirt"),
	}
}

func (b *Backend) IsRunning(ctx context.Context, m model.Machine) (bool, error) {
	return withDomain(ctx, b, "status", m, func(api domainAPI, dom golibvirt.Domain) (bool, error) {
		state, _, _, _, _, err := api.DomainGetInfo(dom)
		if err != nil {
			return false, err
		}
		return isDomainRunning(state), nil
	})
}

func (b *Backend) PingGuestAgent(ctx context.Context, m model.Machine) error {
	_, err := withDomain(ctx, b, "ping", m, func(api domainAPI, dom golibvirt.Domain) (struct{}, error) {
		return struct{}{}, agentExec(api, dom, "ping", "guest-ping", nil, nil)
	})
	return err
}

func (b *Backend) WriteGuestFile(ctx context.Context, m model.Machine, path string, content []byte) error {
	_, err := withDomain(ctx, b, "file_write", m, func(api domainAPI, dom golibvirt.Domain) (struct{}, error) {
		return struct{}{}, writeFile(api, dom, path, content)
	})
	return err
}

func (b *Backend) ReadGuestFile(ctx context.Context, m model.Machine, path string) (string, error) {
	return withDomain(ctx, b, "file_read", m, func(api domainAPI, dom golibvirt.Domain) (string, error) {
		return readFile(api, dom, path)
	})
}

func (b *Backend) Reset(ctx context.Context, m model.Machine) error {
	_, err := withDomain(ctx, b, "reset", m, func(api domainAPI, dom golibvirt.Domain) (struct{}, error) {
		return struct{}{}, api.DomainReset(dom, 0)
	})
	return err
}

// DomainName is the libvirt name monitored for m: the configured domain, or
// the VMID when no domain is set.
func DomainName(m model.Machine) string {
	if d := strings.TrimSpace(m.Domain); d != "" {
		return d
	}
	return m.VMID
}

func withDomain[T any](ctx context.Context, b *Backend, op string, m model.Machine, fn func(domainAPI, golibvirt.Domain) (T, error)) (T, error) {
	return hypervisor.Retry(ctx, b.retry, b.logger, func(ctx context.Context) (T, error) {
		var zero T
		api, err := b.client(ctx)
		if err != nil {
			return zero, &hypervisor.TransportError{Op: op, Err: err}
		}
		dom, err := api.DomainLookupByName(DomainName(m))
		if err != nil {
			return zero, b.classify(api, op, err)
		}
		v, err := fn(api, dom)
		if err != nil {
			return zero, b.classify(api, op, err)
		}
		return v, nil
	})
}

// classify maps a libvirt failure onto the hypervisor error taxonomy and
// drops the connection when the failure looks like a broken socket.
func (b *Backend) classify(api domainAPI, op string, err error) error {
	if hypervisor.IsStatus(err) || hypervisor.IsMalformed(err) {
		return err
	}
	if isConnectionError(err) {
		if b.drop != nil {
			b.drop(api)
		}
		return &hypervisor.TransportError{Op: op, Err: err}
	}
	if golibvirt.IsNotFound(err) {
		return &hypervisor.StatusError{Op: op, Code: 404, Message: err.Error()}
	}
	var le golibvirt.Error
	if errors.As(err, &le) {
		return &hypervisor.StatusError{Op: op, Code: int(le.Code), Message: le.Message}
	}
	return &hypervisor.StatusError{Op: op, Code: 500, Message: err.Error()}
}

func isConnectionError(err error) bool {
	var ne net.Error
	switch {
	case errors.As(err, &ne):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNREFUSED):
		return true
	default:
		return false
	}
}

func isDomainRunning(state uint8) bool {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return true
	default:
		return false
	}
}

type agentCommand struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

func encodeAgentCommand(execute string, args any) (string, error) {
	b, err := json.Marshal(agentCommand{Execute: execute, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", execute, err)
	}
	return string(b), nil
}

// decodeAgentReturn unpacks the "return" member of a guest-agent reply.
func decodeAgentReturn(op string, result golibvirt.OptString, out any) error {
	if len(result) == 0 {
		return &hypervisor.MalformedResponseError{Op: op, Err: errors.New("empty guest agent reply")}
	}
	var reply struct {
		Return json.RawMessage `json:"return"`
		Error  *struct {
			Class string `json:"class"`
			Desc  string `json:"desc"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(result[0]), &reply); err != nil {
		return &hypervisor.MalformedResponseError{Op: op, Err: err}
	}
	if reply.Error != nil {
		return &hypervisor.StatusError{Op: op, Code: 500, Message: reply.Error.Class + ": " + reply.Error.Desc}
	}
	if out == nil {
		return nil
	}
	if len(reply.Return) == 0 {
		return &hypervisor.MalformedResponseError{Op: op, Err: errors.New("missing return")}
	}
	if err := json.Unmarshal(reply.Return, out); err != nil {
		return &hypervisor.MalformedResponseError{Op: op, Err: err}
	}
	return nil
}

func agentExec(api domainAPI, dom golibvirt.Domain, op, execute string, args, out any) error {
	cmd, err := encodeAgentCommand(execute, args)
	if err != nil {
		return err
	}
	res, err := api.QEMUDomainAgentCommand(dom, cmd, agentTimeoutSeconds, 0)
	if err != nil {
		return err
	}
	return decodeAgentReturn(op, res, out)
}

type fileHandleArgs struct {
	Handle int64 `json:"handle"`
}

func openFile(api domainAPI, dom golibvirt.Domain, op, path, mode string) (int64, error) {
	var handle int64
	args := map[string]string{"path": path, "mode": mode}
	if err := agentExec(api, dom, op, "guest-file-open", args, &handle); err != nil {
		return 0, err
	}
	return handle, nil
}

func closeFile(api domainAPI, dom golibvirt.Domain, op string, handle int64) error {
	return agentExec(api, dom, op, "guest-file-close", fileHandleArgs{Handle: handle}, nil)
}

func writeFile(api domainAPI, dom golibvirt.Domain, path string, content []byte) (err error) {
	const op = "file_write"
	handle, err := openFile(api, dom, op, path, "w")
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFile(api, dom, op, handle); err == nil {
			err = cerr
		}
	}()

	args := struct {
		Handle int64  `json:"handle"`
		Buf    string `json:"buf-b64"`
	}{Handle: handle, Buf: base64.StdEncoding.EncodeToString(content)}
	var out struct {
		Count int `json:"count"`
	}
	if err := agentExec(api, dom, op, "guest-file-write", args, &out); err != nil {
		return err
	}
	if out.Count != len(content) {
		return &hypervisor.StatusError{Op: op, Code: 500, Message: fmt.Sprintf("short write: %d of %d bytes", out.Count, len(content))}
	}
	return nil
}

func readFile(api domainAPI, dom golibvirt.Domain, path string) (_ string, err error) {
	const op = "file_read"
	handle, err := openFile(api, dom, op, path, "r")
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := closeFile(api, dom, op, handle); err == nil {
			err = cerr
		}
	}()

	var sb strings.Builder
	for {
		args := struct {
			Handle int64 `json:"handle"`
			Count  int   `json:"count"`
		}{Handle: handle, Count: readChunk}
		var out struct {
			Count int    `json:"count"`
			Buf   string `json:"buf-b64"`
			EOF   bool   `json:"eof"`
		}
		if err := agentExec(api, dom, op, "guest-file-read", args, &out); err != nil {
			return "", err
		}
		chunk, err := base64.StdEncoding.DecodeString(out.Buf)
		if err != nil {
			return "", &hypervisor.MalformedResponseError{Op: op, Err: err}
		}
		sb.Write(chunk)
		if sb.Len() > maxReadBytes {
			return "", &hypervisor.StatusError{Op: op, Code: 413, Message: fmt.Sprintf("%s exceeds %d bytes", path, maxReadBytes)}
		}
		if out.EOF || out.Count == 0 {
			return sb.String(), nil
		}
	}
}
