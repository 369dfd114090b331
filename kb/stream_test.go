package kb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// chunkedBody returns one chunk per Read, then err (or io.EOF).
type chunkedBody struct {
	chunks [][]byte
	err    error
	closed atomic.Bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks = b.chunks[1:]
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func newChunkedBody(err error, chunks ...string) *chunkedBody {
	b := &chunkedBody{err: err}
	for _, c := range chunks {
		b.chunks = append(b.chunks, []byte(c))
	}
	return b
}

func streamClient(t *testing.T, cfg Config, bodies func(call int) (*http.Response, error), opts ...Option) *Client {
	t.Helper()
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return bodies(int(calls.Add(1)))
	})}
	return newTestClient(t, "http://kb.test", cfg, append([]Option{WithHTTPClient(hc)}, opts...)...)
}

func okResponse(body io.ReadCloser) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}
}

func drain(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var chunks []string
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestStreamYieldsOneChunkPerRead(t *testing.T) {
	body := newChunkedBody(nil, "he", "llo wor", "ld")
	client := streamClient(t, Config{}, func(int) (*http.Response, error) {
		return okResponse(body), nil
	})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"he", "llo wor", "ld"}, chunks)
	assert.True(t, body.closed.Load(), "body is released at EOF")

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamReassemblesSplitRunes(t *testing.T) {
	text := "héllo wörld ✓ done"
	raw := []byte(text)
	// split inside é (2 bytes), inside ö, and inside ✓ (3 bytes)
	idxE := strings.Index(text, "é") + 1
	idxO := strings.Index(text, "ö") + 1
	idxCheck := strings.Index(text, "✓") + 2

	body := &chunkedBody{chunks: [][]byte{
		raw[:idxE],
		raw[idxE:idxO],
		raw[idxO:idxCheck],
		raw[idxCheck:],
	}}
	client := streamClient(t, Config{}, func(int) (*http.Response, error) {
		return okResponse(body), nil
	})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
	assert.Equal(t, text, strings.Join(chunks, ""))
	assert.NotContains(t, strings.Join(chunks, ""), "�")
}

func TestChunkDecoder(t *testing.T) {
	t.Run("pending bytes carried over", func(t *testing.T) {
		d := newChunkDecoder()
		check := []byte("✓")
		assert.Equal(t, "a", d.decode(append([]byte("a"), check[0]), false))
		assert.Equal(t, "", d.decode(check[1:2], false))
		assert.Equal(t, "✓b", d.decode(append(check[2:], 'b'), false))
	})

	t.Run("incomplete sequence flushed at end", func(t *testing.T) {
		d := newChunkDecoder()
		check := []byte("✓")
		assert.Equal(t, "x", d.decode(append([]byte("x"), check[0]), false))
		assert.Equal(t, "�", d.decode(nil, true))
	})

	t.Run("invalid bytes replaced", func(t *testing.T) {
		d := newChunkDecoder()
		assert.Equal(t, "a�b", d.decode([]byte{'a', 0xff, 'b'}, false))
	})
}

func TestStreamNoBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{RetryAttempts: 2})

	_, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.Error(t, err)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoBody, apiErr.Code)
}

func TestStreamOverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		flusher := w.(http.Flusher)
		for _, part := range []string{"data: one\n\n", "data: two\n\n"} {
			w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{
		Headers: map[string]string{"Accept": "text/event-stream"},
	})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "data: one\n\ndata: two\n\n", strings.Join(chunks, ""))
}

func TestStreamRetriesStart(t *testing.T) {
	rec := &delayRecorder{}
	client := streamClient(t, Config{RetryAttempts: 2, RetryDelay: 10 * time.Millisecond}, func(call int) (*http.Response, error) {
		if call == 1 {
			return &http.Response{
				StatusCode: http.StatusServiceUnavailable,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		}
		return okResponse(newChunkedBody(nil, "ok")), nil
	}, withSleep(rec.sleep))

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, chunks)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, rec.recorded())
	assert.Equal(t, 0, s.Restarts())
}

func TestStreamRestartsAfterMidStreamFailure(t *testing.T) {
	first := newChunkedBody(io.ErrUnexpectedEOF, "ab")
	second := newChunkedBody(nil, "ab", "cd")

	rec := &delayRecorder{}
	client := streamClient(t, Config{RetryAttempts: 1, RetryDelay: 5 * time.Millisecond}, func(call int) (*http.Response, error) {
		if call == 1 {
			return okResponse(first), nil
		}
		return okResponse(second), nil
	}, withSleep(rec.sleep))

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	// the restart re-delivers output already seen
	assert.Equal(t, []string{"ab", "ab", "cd"}, chunks)
	assert.Equal(t, 1, s.Restarts())
	assert.True(t, first.closed.Load())
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, rec.recorded())
}

func TestStreamMidStreamFailureExhaustsBudget(t *testing.T) {
	body := newChunkedBody(io.ErrUnexpectedEOF, "partial")
	client := streamClient(t, Config{}, func(int) (*http.Response, error) {
		return okResponse(body), nil
	})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.Error(t, err)
	assert.Equal(t, []string{"partial"}, chunks)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNetwork, apiErr.Code)
	assert.True(t, body.closed.Load())
}

func TestStreamCloseReleasesBody(t *testing.T) {
	body := newChunkedBody(nil, "a", "b", "c")
	client := streamClient(t, Config{}, func(int) (*http.Response, error) {
		return okResponse(body), nil
	})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)

	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", chunk)

	require.NoError(t, s.Close())
	assert.True(t, body.closed.Load())
	require.NoError(t, s.Close())

	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{RetryAttempts: 3})

	_, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.Error(t, err)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.True(t, apiErr.IsUnauthorized())
	assert.Equal(t, int32(1), calls.Load())
}

// stallingBody yields its chunks, then blocks in Read until closed.
type stallingBody struct {
	chunks  []string
	reading chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newStallingBody(chunks ...string) *stallingBody {
	return &stallingBody{chunks: chunks, reading: make(chan struct{}, 1), done: make(chan struct{})}
}

func (b *stallingBody) Read(p []byte) (int, error) {
	if len(b.chunks) > 0 {
		n := copy(p, b.chunks[0])
		b.chunks = b.chunks[1:]
		return n, nil
	}
	select {
	case b.reading <- struct{}{}:
	default:
	}
	<-b.done
	return 0, errors.New("read on closed body")
}

func (b *stallingBody) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func TestStreamCloseUnblocksStalledRecv(t *testing.T) {
	body := newStallingBody("hi")
	client := streamClient(t, Config{RetryAttempts: 2}, func(int) (*http.Response, error) {
		return okResponse(body), nil
	})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)

	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk)

	recvErr := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		recvErr <- err
	}()

	select {
	case <-body.reading:
	case <-time.After(2 * time.Second):
		t.Fatal("Recv never reached the stalled read")
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a pending Recv")
	}

	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Recv did not return after Close")
	}
	assert.Equal(t, 0, s.Restarts(), "closing is not a restartable failure")
}

func TestStreamCloseDuringBackoff(t *testing.T) {
	entered := make(chan struct{})
	sleeper := func(ctx context.Context, d time.Duration) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
	client := streamClient(t, Config{RetryAttempts: 1, RetryDelay: time.Hour}, func(int) (*http.Response, error) {
		return okResponse(newChunkedBody(io.ErrUnexpectedEOF)), nil
	}, withSleep(sleeper))

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)

	recvErr := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		recvErr <- err
	}()

	<-entered
	require.NoError(t, s.Close())

	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv stayed in backoff after Close")
	}
}

func TestStreamTerminalErrorIsSticky(t *testing.T) {
	client := streamClient(t, Config{}, func(int) (*http.Response, error) {
		return okResponse(newChunkedBody(io.ErrUnexpectedEOF, "partial")), nil
	})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)
	defer s.Close()

	_, err = drain(t, s)
	require.Error(t, err)

	for i := 0; i < 2; i++ {
		_, again := s.Recv()
		assert.Same(t, err, again, "later calls repeat the failure instead of reporting EOF")
	}
}

// dataWithErrBody returns its data together with err on the first Read and
// then reports a clean EOF, so the error is only visible once.
type dataWithErrBody struct {
	data string
	err  error
	read bool
}

func (b *dataWithErrBody) Read(p []byte) (int, error) {
	if b.read {
		return 0, io.EOF
	}
	b.read = true
	return copy(p, b.data), b.err
}

func (b *dataWithErrBody) Close() error { return nil }

func TestStreamKeepsErrorReturnedWithData(t *testing.T) {
	client := streamClient(t, Config{}, func(int) (*http.Response, error) {
		return okResponse(&dataWithErrBody{data: "ab", err: io.ErrUnexpectedEOF}), nil
	})

	s, err := client.Stream(context.Background(), "/events", RequestOptions{})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	assert.Equal(t, []string{"ab"}, chunks)
	require.Error(t, err)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNetwork, apiErr.Code)
}
