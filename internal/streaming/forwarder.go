// Package streaming provides SSE (Server-Sent Events) forwarding with
// on-the-fly translation between provider stream dialects. The stream
// is finite and single-pass; the consumer cancels simply by going away.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/blueberrycongee/memgate/internal/provider"
	"github.com/blueberrycongee/memgate/pkg/types"
)

const (
	// DefaultBufferSize is the default size for SSE line buffers.
	DefaultBufferSize = 4096

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the OpenAI marker for stream completion.
	SSEDone = "[DONE]"
)

// bufferPool provides reusable byte buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// Forwarder reads an upstream SSE body, parses each event with the
// source adapter, re-encodes it with the inbound-shape adapter, and
// flushes it downstream per event.
type Forwarder struct {
	upstream   io.ReadCloser
	downstream http.ResponseWriter
	flusher    http.Flusher
	source     provider.Provider
	target     provider.Provider
	ctx        context.Context
	onChunk    func(*types.StreamChunk)
	finished   bool
}

// OnChunk registers an observer invoked for every translated chunk,
// after it has been written downstream. Used to accumulate streamed
// content for memorization.
func (f *Forwarder) OnChunk(fn func(*types.StreamChunk)) {
	f.onChunk = fn
}

// NewForwarder creates a new SSE forwarder. source is the adapter for
// the upstream provider; target is the adapter matching the shape the
// caller spoke.
func NewForwarder(ctx context.Context, upstream io.ReadCloser, downstream http.ResponseWriter, source, target provider.Provider) (*Forwarder, error) {
	flusher, ok := downstream.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	return &Forwarder{
		upstream:   upstream,
		downstream: downstream,
		flusher:    flusher,
		source:     source,
		target:     target,
		ctx:        ctx,
	}, nil
}

// Forward streams translated events until the upstream completes, an
// error occurs, or the client disconnects.
func (f *Forwarder) Forward() error {
	defer f.upstream.Close()

	f.downstream.Header().Set("Content-Type", "text/event-stream")
	f.downstream.Header().Set("Cache-Control", "no-cache")
	f.downstream.Header().Set("Connection", "keep-alive")
	f.downstream.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	scanner := bufio.NewScanner(f.upstream)
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	scanner.Buffer(*buf, DefaultBufferSize*16)

	for scanner.Scan() {
		select {
		case <-f.ctx.Done():
			return f.ctx.Err()
		default:
		}

		if err := f.processLine(scanner.Bytes()); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	f.finish()
	return nil
}

func (f *Forwarder) processLine(line []byte) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}

	if bytes.Equal(trimmed, []byte(SSEDataPrefix+SSEDone)) ||
		bytes.Equal(trimmed, []byte(SSEDone)) {
		f.finish()
		return nil
	}

	chunk, err := f.source.ParseStreamChunk(trimmed)
	if err != nil || chunk == nil {
		// Keep-alive, event-name lines, or malformed chunks: skip and
		// keep the stream alive.
		return nil
	}

	encoded, err := f.target.EncodeStreamChunk(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	if len(encoded) == 0 {
		return nil
	}

	if _, err := f.downstream.Write(encoded); err != nil {
		return err
	}
	f.flusher.Flush()

	if f.onChunk != nil {
		f.onChunk(chunk)
	}
	return nil
}

// finish emits the terminal marker for OpenAI-dialect consumers.
// Anthropic streams self-terminate through the message_stop event the
// adapter already emitted.
func (f *Forwarder) finish() {
	if f.finished {
		return
	}
	f.finished = true
	if f.target.Name() == "openai" {
		_, _ = f.downstream.Write([]byte(SSEDataPrefix + SSEDone + "\n\n"))
	}
	f.flusher.Flush()
}
