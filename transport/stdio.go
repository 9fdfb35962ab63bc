package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/protocol"
)

// stdioMaxLine caps one framed message at 16 MiB.
const stdioMaxLine = 16 << 20

// Stdio frames one JSON message per newline-terminated line on standard
// streams. The process is a single session; all logging goes to stderr
// because stdout carries the protocol.
type Stdio struct {
	d         Dispatcher
	in        io.Reader
	out       io.Writer
	sessionID string

	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
	lg     zerolog.Logger
}

// NewStdio builds the stdio transport over os.Stdin/os.Stdout.
func NewStdio(d Dispatcher) *Stdio {
	return NewStdioPipes(d, os.Stdin, os.Stdout)
}

// NewStdioPipes builds the transport over explicit streams, for tests.
func NewStdioPipes(d Dispatcher, in io.Reader, out io.Writer) *Stdio {
	id := uuid.NewString()
	return &Stdio{
		d:         d,
		in:        in,
		out:       out,
		sessionID: id,
		closed:    make(chan struct{}),
		lg:        log.WithComponent("stdio").With().Str("session", id).Logger(),
	}
}

// SessionID returns the process-unique session id.
func (s *Stdio) SessionID() string { return s.sessionID }

// Start reads frames until EOF or cancellation. Each message dispatches on
// its own goroutine; responses serialise on the write mutex.
func (s *Stdio) Start(ctx context.Context) error {
	s.d.Subscribe(s.sessionID, s.Send)
	defer s.d.Unsubscribe(s.sessionID)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), stdioMaxLine)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading stdin: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			wg.Add(1)
			go func(raw []byte) {
				defer wg.Done()
				s.handle(ctx, raw)
			}(line)
		}
	}
}

func (s *Stdio) handle(ctx context.Context, raw []byte) {
	m, perr := parseInbound(raw, s.lg)
	if perr != nil {
		_ = s.Send(perr)
		return
	}
	if m == nil {
		return
	}
	m.SessionID = s.sessionID
	if resp := s.d.Dispatch(WithName(ctx, "stdio"), m); resp != nil {
		if err := s.Send(resp); err != nil {
			s.lg.Error().Err(err).Msg("writing response")
		}
	}
}

// Send writes one newline-terminated message to stdout.
func (s *Stdio) Send(m *protocol.Message) error {
	m.StripRouting()
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close stops the read loop.
func (s *Stdio) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
