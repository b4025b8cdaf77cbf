package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Listener owns a subscribed event stream. Closing it tears down the
// connection without delivering a stream error to the sink.
type Listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close terminates the stream and waits for the reader goroutine to exit.
func (l *Listener) Close() error {
	l.cancel()
	<-l.done
	return nil
}

// SubscribeEvents opens GET /event as text/event-stream and spawns a reader
// goroutine. Decoded events go to sink.OnEvent; a broken or ended stream is
// reported once via sink.OnStreamError unless the listener was closed first.
func (c *HTTPClient) SubscribeEvents(ctx context.Context, baseURL string, sink Sink) (io.Closer, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	setTraceHeader(ctx, req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("subscribe events: agent GET /event → %d", resp.StatusCode)
	}

	l := &Listener{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		defer resp.Body.Close()

		err := readEvents(resp.Body, sink)
		if streamCtx.Err() != nil {
			// Deliberate shutdown via Close or parent cancellation.
			return
		}
		if err == nil {
			err = fmt.Errorf("event stream closed by runtime")
		}
		sink.OnStreamError(err)
	}()

	return l, nil
}

// readEvents parses SSE frames until the stream ends. Frames with no data or
// undecodable data are skipped, not fatal.
func readEvents(r io.Reader, sink Sink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				slog.Warn("agent: discarding malformed event", "err", err)
			} else if evt.Type != "" {
				sink.OnEvent(evt)
			}
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields and comments are not used by the runtime.
		}
	}
	return scanner.Err()
}
