// Package ssh provides the SSH-backed remote executor used to reach worker
// hosts for job dispatch, process termination and fleet administration.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"

	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/logger"
)

const (
	defaultPort        = 22
	connectTimeout     = 10 * time.Second
	defaultCommandWait = 10 * time.Minute
)

var _ workers.RemoteExecutor = (*Executor)(nil)

// Executor opens SSH sessions to worker hosts using their stored credentials.
type Executor struct {
	// HostKeyCallback verifies host identities. Defaults to accepting any
	// host key, which matches a fleet of short-lived scan hosts provisioned
	// by the same operator; production fleets inject a known-hosts callback.
	HostKeyCallback ssh.HostKeyCallback

	logger *logger.Logger
	tracer trace.Tracer
}

// NewExecutor creates an SSH executor.
func NewExecutor(logger *logger.Logger, tracer trace.Tracer) *Executor {
	return &Executor{
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		logger:          logger.With("component", "ssh_executor"),
		tracer:          tracer,
	}
}

// Connect dials the worker and authenticates with its stored credentials.
func (e *Executor) Connect(ctx context.Context, worker *workers.Worker) (workers.Session, error) {
	ctx, span := e.tracer.Start(ctx, "ssh_executor.connect",
		trace.WithAttributes(
			attribute.String("worker", worker.Name()),
			attribute.String("address", worker.Address()),
		),
	)
	defer span.End()

	creds := worker.Credentials()
	var auth []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("parsing private key for worker %s: %w", worker.Name(), err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("worker %s has no credentials", worker.Name())
	}

	port := worker.Port()
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(worker.Address(), fmt.Sprintf("%d", port))

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: e.HostKeyCallback,
		Timeout:         connectTimeout,
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, fmt.Errorf("dialing worker %s at %s: %w", worker.Name(), addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		return nil, fmt.Errorf("ssh handshake with worker %s: %w", worker.Name(), err)
	}

	e.logger.Debug(ctx, "ssh session established", "worker", worker.Name(), "address", addr)
	return &session{
		client: ssh.NewClient(sshConn, chans, reqs),
		worker: worker.Name(),
		tracer: e.tracer,
	}, nil
}

var _ workers.Session = (*session)(nil)

// session wraps one SSH client connection. Each Exec and Upload opens a fresh
// SSH channel on it.
type session struct {
	client *ssh.Client
	worker string
	tracer trace.Tracer
}

// Exec runs one command on the remote host. The context bounds the wait; on
// expiry the connection is torn down, which kills the remote channel.
func (s *session) Exec(ctx context.Context, command string) (string, string, int, error) {
	ctx, span := s.tracer.Start(ctx, "ssh_session.exec",
		trace.WithAttributes(attribute.String("worker", s.worker)))
	defer span.End()

	sess, err := s.client.NewSession()
	if err != nil {
		span.RecordError(err)
		return "", "", -1, fmt.Errorf("opening ssh channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr safeBuffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandWait)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		span.RecordError(ctx.Err())
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
				err = nil
			} else {
				span.RecordError(err)
				return stdout.String(), stderr.String(), -1, err
			}
		}
		span.SetAttributes(attribute.Int("exit_code", exitCode))
		return stdout.String(), stderr.String(), exitCode, nil
	}
}

// Upload writes contents to a remote path by streaming through a shell
// redirect, avoiding an SFTP subsystem requirement on minimal hosts.
func (s *session) Upload(ctx context.Context, contents []byte, remotePath string) error {
	ctx, span := s.tracer.Start(ctx, "ssh_session.upload",
		trace.WithAttributes(
			attribute.String("worker", s.worker),
			attribute.String("remote_path", remotePath),
			attribute.Int("bytes", len(contents)),
		),
	)
	defer span.End()

	sess, err := s.client.NewSession()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("opening ssh channel: %w", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}

	if err := sess.Start(fmt.Sprintf("cat > %q", remotePath)); err != nil {
		return fmt.Errorf("starting upload: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := stdin.Write(contents)
		if closeErr := stdin.Close(); err == nil {
			err = closeErr
		}
		writeErr <- err
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	case err := <-writeErr:
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("writing upload stream: %w", err)
		}
	}
	if err := sess.Wait(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("finishing upload: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *session) Close() error { return s.client.Close() }
