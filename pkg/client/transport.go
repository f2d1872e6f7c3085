package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transport starts a run and returns its event stream. The channel is closed
// when the stream ends, with or without a terminal event.
type Transport interface {
	Stream(ctx context.Context, req session.Request) (<-chan events.Event, error)
}

// LocalTransport runs in-process against a session manager.
type LocalTransport struct {
	Manager *session.Manager
}

var _ Transport = (*LocalTransport)(nil)

func (l *LocalTransport) Stream(ctx context.Context, req session.Request) (<-chan events.Event, error) {
	h, err := l.Manager.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.Events(), nil
}

// HTTPTransport posts run requests to a server and reads newline delimited
// JSON events back.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{BaseURL: strings.TrimRight(baseURL, "/"), Client: http.DefaultClient}
}

func (t *HTTPTransport) Stream(ctx context.Context, req session.Request) (<-chan events.Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode run request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", events.ContentTypeNDJSON)

	c := t.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "could not start run")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("run request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	out := make(chan events.Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := ReadNDJSON(ctx, resp.Body, out); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("run_id", req.RunID).Msg("client: event stream broke off")
		}
	}()
	return out, nil
}

// ReadNDJSON decodes one event per line from r into out until r ends.
func ReadNDJSON(ctx context.Context, r io.Reader, out chan<- events.Event) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			e, decodeErr := events.NewEventFromJson(line)
			if decodeErr != nil {
				return errors.Wrap(decodeErr, "could not decode event")
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
