package kb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const streamReadSize = 32 << 10

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("kb: stream closed")

// Stream yields decoded text chunks, one per body read, until io.EOF.
//
// A retryable failure while reading restarts the call from the beginning
// after the backoff delay. Chunks delivered before the failure are delivered
// again, so consumers see at-least-once output; Restarts reports how many
// times that happened. Once Recv returns an error, every later call returns
// the same error.
//
// Close must be called on every exit path. It may be called from another
// goroutine while Recv is blocked, and it is safe to call more than once.
type Stream struct {
	client   *Client
	ctx      context.Context
	cancel   context.CancelFunc
	endpoint string
	opts     RequestOptions

	// mu serializes Recv. Close does not take it.
	mu       sync.Mutex
	attempt  int
	decoder  *chunkDecoder
	buf      []byte
	readErr  error
	finalErr error

	restarts atomic.Int64
	closed   atomic.Bool

	bodyMu sync.Mutex
	body   io.ReadCloser
}

// Stream opens endpoint and returns a lazily read Stream. Failures before the
// first byte are retried with the same policy as Request.
func (c *Client) Stream(ctx context.Context, endpoint string, opts RequestOptions) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client:   c,
		ctx:      ctx,
		cancel:   cancel,
		endpoint: endpoint,
		opts:     c.prepare(opts),
		buf:      make([]byte, streamReadSize),
	}
	if err := s.open(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// open issues the exchange, retrying retryable failures within budget.
func (s *Stream) open() error {
	for {
		s.client.logAttempt(s.endpoint, s.opts)

		resp, err := s.client.exchange(s.ctx, s.endpoint, s.opts)
		if err == nil {
			if !hasBody(resp) {
				resp.Body.Close()
				return &APIError{StatusCode: resp.StatusCode, Code: CodeNoBody, Message: "response has no body"}
			}
			if !s.setBody(resp.Body) {
				return ErrStreamClosed
			}
			s.decoder = newChunkDecoder()
			return nil
		}
		if err := s.retry(err); err != nil {
			return err
		}
	}
}

// retry consumes one unit of retry budget or returns the error to surface.
func (s *Stream) retry(err error) error {
	if !s.client.shouldRetry(err, s.attempt) {
		return err
	}
	if err := s.client.backoff(s.ctx, s.endpoint, s.opts, s.attempt, err); err != nil {
		return err
	}
	s.attempt++
	return nil
}

// Recv returns the next decoded chunk. It returns io.EOF once the body is
// exhausted; the chunk may be empty when a read ended inside a multi-byte
// character.
func (s *Stream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return "", ErrStreamClosed
	}
	if s.finalErr != nil {
		return "", s.finalErr
	}

	for {
		n, err := s.read()
		if n > 0 {
			return s.decoder.decode(s.buf[:n], false), nil
		}
		if s.closed.Load() {
			return "", ErrStreamClosed
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.finish(io.EOF)
			if tail := s.decoder.decode(nil, true); tail != "" {
				return tail, nil
			}
			return "", io.EOF
		}

		apiErr := classify(s.ctx, err)
		s.release()
		if err := s.retry(apiErr); err != nil {
			return "", s.fail(err)
		}
		if err := s.open(); err != nil {
			return "", s.fail(err)
		}
		restarts := s.restarts.Add(1)
		s.client.logger.Warn().
			Str("endpoint", s.endpoint).
			Int64("restarts", restarts).
			Msg("Stream restarted from the beginning")
	}
}

// read performs one body read. An error returned together with data is
// held back and reported by the next call.
func (s *Stream) read() (int, error) {
	if err := s.readErr; err != nil {
		s.readErr = nil
		return 0, err
	}
	body := s.currentBody()
	if body == nil {
		return 0, ErrStreamClosed
	}
	n, err := body.Read(s.buf)
	if n > 0 && err != nil {
		s.readErr = err
		err = nil
	}
	return n, err
}

// fail records a terminal error; a Close racing the failure wins.
func (s *Stream) fail(err error) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.finish(err)
	return err
}

func (s *Stream) finish(err error) {
	s.finalErr = err
	s.release()
	s.cancel()
}

// Restarts reports how many times the stream was reopened after a failure.
func (s *Stream) Restarts() int {
	return int(s.restarts.Load())
}

// Close releases the response body and aborts any pending read or backoff.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	return s.release()
}

// setBody installs a freshly opened body unless the stream was closed
// meanwhile, in which case the body is released immediately.
func (s *Stream) setBody(body io.ReadCloser) bool {
	s.bodyMu.Lock()
	defer s.bodyMu.Unlock()

	if s.closed.Load() {
		body.Close()
		return false
	}
	s.body = body
	return true
}

func (s *Stream) currentBody() io.ReadCloser {
	s.bodyMu.Lock()
	defer s.bodyMu.Unlock()
	return s.body
}

func (s *Stream) release() error {
	s.bodyMu.Lock()
	body := s.body
	s.body = nil
	s.bodyMu.Unlock()

	if body == nil {
		return nil
	}
	return body.Close()
}

func hasBody(resp *http.Response) bool {
	body := resp.Body
	if ab, ok := body.(*attemptBody); ok {
		body = ab.ReadCloser
	}
	return body != nil && body != http.NoBody
}

// chunkDecoder turns arbitrary byte chunks into UTF-8 text, carrying an
// incomplete trailing sequence over to the next call.
type chunkDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newChunkDecoder() *chunkDecoder {
	return &chunkDecoder{t: unicode.UTF8.NewDecoder()}
}

func (d *chunkDecoder) decode(p []byte, final bool) string {
	src := append(d.pending, p...)
	if len(src) == 0 {
		return ""
	}

	// Each invalid byte expands to a 3-byte replacement rune.
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	nDst, nSrc, err := d.t.Transform(dst, src, final)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		d.pending = nil
		return string(dst[:nDst])
	}

	d.pending = append([]byte(nil), src[nSrc:]...)
	if final {
		d.t.Reset()
	}
	return string(dst[:nDst])
}
