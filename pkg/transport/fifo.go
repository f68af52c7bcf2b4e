package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mew-protocol/gateway/pkg/envelope"
)

// FIFOTransport serves the stdio participants of a space over named pipe
// pairs. For a participant <pid> it owns <dir>/<pid>-in (gateway writes,
// participant reads) and <dir>/<pid>-out (participant writes, gateway reads).
// The out side is reopened on EOF so a restarted participant process finds
// the same rendezvous point.
type FIFOTransport struct {
	dir     string
	pids    []string
	handler FrameHandler
	logger  *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewFIFOTransport builds the adapter for the given participant ids. Nothing
// touches the filesystem until Start.
func NewFIFOTransport(dir string, pids []string, handler FrameHandler, logger *slog.Logger) *FIFOTransport {
	return &FIFOTransport{
		dir:     dir,
		pids:    pids,
		handler: handler,
		logger:  logger.With("component", "fifo-transport"),
	}
}

// Start creates the FIFO pairs and begins serving each participant.
func (t *FIFOTransport) Start(ctx context.Context) error {
	if len(t.pids) == 0 {
		return nil
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create FIFO directory %s: %w", t.dir, err)
	}
	for _, pid := range t.pids {
		if err := ensureFIFO(t.inPath(pid)); err != nil {
			return err
		}
		if err := ensureFIFO(t.outPath(pid)); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	t.group = group

	for _, pid := range t.pids {
		group.Go(func() error {
			t.serve(ctx, pid)
			return nil
		})
	}

	t.logger.Info("FIFO transport started", "dir", t.dir, "participants", len(t.pids))
	return nil
}

// Stop cancels all sessions, releases FIFO opens blocked on an absent peer,
// and waits for the serve goroutines to exit.
func (t *FIFOTransport) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	for _, pid := range t.pids {
		releasePendingReader(t.outPath(pid))
	}
	_ = t.group.Wait()
	t.logger.Info("FIFO transport stopped")
}

func (t *FIFOTransport) inPath(pid string) string {
	return filepath.Join(t.dir, pid+"-in")
}

func (t *FIFOTransport) outPath(pid string) string {
	return filepath.Join(t.dir, pid+"-out")
}

// serve runs the reopen-on-EOF loop for one participant's out FIFO. Each
// writer instance becomes a fresh channel that must join again.
func (t *FIFOTransport) serve(ctx context.Context, pid string) {
	logger := t.logger.With("participant", pid)
	outPath := t.outPath(pid)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxInterval = time.Second

	for ctx.Err() == nil {
		reader, err := openBlocking(ctx, outPath)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("FIFO open failed", "path", outPath, "error", err)
		} else {
			logger.Debug("FIFO writer connected")
			if t.session(ctx, pid, reader, logger) {
				expBackoff.Reset()
			}
		}

		select {
		case <-time.After(expBackoff.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// session serves one writer instance and reports whether any frame was
// delivered, which resets the reopen backoff so a flapping writer cannot
// spin the loop.
func (t *FIFOTransport) session(ctx context.Context, pid string, reader *os.File, logger *slog.Logger) bool {
	ch := newFIFOChannel(ctx, pid, t.inPath(pid), reader, logger)
	t.handler.HandleConnect(ch)

	fr := envelope.NewFrameReader(reader)
	delivered := false
	var reason error
loop:
	for {
		frame, err := fr.Next()
		switch {
		case err == nil:
			delivered = true
			t.handler.HandleFrame(ch, frame)
		case errors.Is(err, envelope.ErrInvalidFrame):
			t.handler.HandleMalformed(ch, err)
		case errors.Is(err, io.EOF):
			break loop
		default:
			if ctx.Err() == nil && !errors.Is(err, os.ErrClosed) {
				reason = err
			}
			break loop
		}
	}

	t.handler.HandleDisconnect(ch, reason)
	_ = ch.Close()
	return delivered
}

// openBlocking opens the FIFO read side, which blocks until a writer opens
// the other end. The open itself runs in a helper goroutine so cancellation
// can be honored; Stop releases any still-pending open by briefly pairing
// with it.
func openBlocking(ctx context.Context, path string) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		ch <- result{f: f, err: err}
	}()

	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.f != nil {
				_ = r.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// releasePendingReader pairs with a read open blocked on a writerless FIFO so
// it can return. A no-op when nothing is blocked.
func releasePendingReader(path string) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err == nil {
		_ = unix.Close(fd)
	}
}

// ensureFIFO creates the named pipe if missing and rejects a path occupied by
// anything else.
func ensureFIFO(path string) error {
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if fi.Mode()&os.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists and is not a FIFO", path)
		}
		return nil
	case os.IsNotExist(err):
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return fmt.Errorf("mkfifo %s: %w", path, err)
		}
		return nil
	default:
		return err
	}
}

// fifoChannel is one writer instance of a participant's FIFO pair. It owns
// both file handles: the reader passed in by the serve loop and the lazily
// opened writer.
type fifoChannel struct {
	id        string
	pid       string
	inPath    string
	reader    *os.File
	out       chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *slog.Logger
}

func newFIFOChannel(parentCtx context.Context, pid, inPath string, reader *os.File, logger *slog.Logger) *fifoChannel {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &fifoChannel{
		id:     uuid.New().String(),
		pid:    pid,
		inPath: inPath,
		reader: reader,
		out:    make(chan []byte, DefaultQueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "fifo-channel", "participant", pid),
	}
	go c.writeLoop()
	return c
}

// ID returns the channel id.
func (c *fifoChannel) ID() string { return c.id }

// Send enqueues one frame. Frames buffer until the participant opens the read
// side of its in FIFO.
func (c *fifoChannel) Send(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.logger.Warn("Outbound queue overflow, closing channel", "channel_id", c.id)
		_ = c.Close()
		return ErrQueueFull
	}
}

// Close stops the write loop and closes the read side, which unblocks the
// session's frame loop.
func (c *fifoChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.reader.Close()
	})
	return nil
}

func (c *fifoChannel) writeLoop() {
	var w *os.File
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()
	for {
		select {
		case frame := <-c.out:
			if w == nil {
				opened, err := c.openWriter()
				if err != nil {
					if c.ctx.Err() == nil {
						c.logger.Warn("FIFO writer open failed, closing channel", "error", err)
					}
					_ = c.Close()
					return
				}
				w = opened
			}
			if err := envelope.WriteFrame(w, frame); err != nil {
				c.logger.Warn("FIFO write failed, closing channel", "error", err)
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// openWriter opens the in-FIFO write side, retrying while the participant has
// not opened its read side yet (ENXIO). Anything else aborts immediately.
func (c *fifoChannel) openWriter() (*os.File, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxInterval = time.Second

	operation := func() (*os.File, error) {
		f, err := os.OpenFile(c.inPath, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, unix.ENXIO) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.Retry(c.ctx, operation, backoff.WithBackOff(expBackoff))
}
