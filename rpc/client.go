// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientOptions configure Dial.
type ClientOptions struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Dialer is used for compaction event streams. Defaults to
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Addr identifies the client to the coordinator.
	Addr string
	// ObjectIDOffset shifts every range returned by GetNewObjectIDs.
	ObjectIDOffset uint64
}

// Client is a MetaClient talking to a Server.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	offset  uint64
	self    lsmmeta.ContextID
	closed  atomic.Bool
}

var _ lsmmeta.MetaClient = (*Client)(nil)

// Dial registers a reader context with the server at baseURL, for example
// "http://localhost:7070".
func Dial(ctx context.Context, baseURL string, o ClientOptions) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    o.HTTPClient,
		dialer:  o.Dialer,
		offset:  o.ObjectIDOffset,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	var resp contextResponse
	if err := c.do(ctx, http.MethodPost, "/v1/contexts", nil, registerRequest{Addr: o.Addr}, &resp); err != nil {
		return nil, errors.Wrapf(err, "registering with %s", baseURL)
	}
	c.self = resp.ContextID
	return c, nil
}

// ContextID returns the client's reader context.
func (c *Client) ContextID() lsmmeta.ContextID { return c.self }

// send issues a request and returns the response body of a successful
// call. Failed calls return the server's error.
func (c *Client) send(
	ctx context.Context, method, path string, query url.Values, in interface{},
) ([]byte, error) {
	if c.closed.Load() {
		return nil, lsmmeta.ErrClosed
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())
	req.Header.Set(ContextHeader, strconv.FormatUint(uint64(c.self), 10))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode >= 300 {
		var we wireError
		if err := json.Unmarshal(data, &we); err != nil || we.Message == "" {
			return nil, errors.Newf("%s %s: %s", method, path, resp.Status)
		}
		return nil, we.toError()
	}
	return data, nil
}

func (c *Client) do(
	ctx context.Context, method, path string, query url.Values, in, out interface{},
) error {
	data, err := c.send(ctx, method, path, query, in)
	if err != nil || out == nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decoding %s response", path)
}

func (c *Client) version(ctx context.Context, method, path string) (*lsmmeta.Version, error) {
	data, err := c.send(ctx, method, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeVersion(data)
}

func beforeQuery(n uint64) url.Values {
	return url.Values{"before": []string{strconv.FormatUint(n, 10)}}
}

// PinVersion implements lsmmeta.MetaClient.
func (c *Client) PinVersion(ctx context.Context) (*lsmmeta.Version, error) {
	return c.version(ctx, http.MethodPost, "/v1/versions/pin")
}

// UnpinVersion implements lsmmeta.MetaClient.
func (c *Client) UnpinVersion(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/versions/unpin", nil, nil, nil)
}

// UnpinVersionBefore implements lsmmeta.MetaClient.
func (c *Client) UnpinVersionBefore(ctx context.Context, id lsmmeta.VersionID) error {
	return c.do(ctx, http.MethodPost, "/v1/versions/unpin", beforeQuery(uint64(id)), nil, nil)
}

// GetCurrentVersion implements lsmmeta.MetaClient.
func (c *Client) GetCurrentVersion(ctx context.Context) (*lsmmeta.Version, error) {
	return c.version(ctx, http.MethodGet, "/v1/versions/current")
}

// GetVersionByEpoch implements lsmmeta.MetaClient.
func (c *Client) GetVersionByEpoch(ctx context.Context, e lsmmeta.Epoch) (*lsmmeta.Version, error) {
	return c.version(ctx, http.MethodGet, fmt.Sprintf("/v1/versions/epoch/%d", uint64(e)))
}

// PinSnapshot implements lsmmeta.MetaClient.
func (c *Client) PinSnapshot(ctx context.Context) (lsmmeta.Snapshot, error) {
	var s lsmmeta.Snapshot
	err := c.do(ctx, http.MethodPost, "/v1/snapshots/pin", nil, nil, &s)
	return s, err
}

// GetSnapshot implements lsmmeta.MetaClient.
func (c *Client) GetSnapshot(ctx context.Context) (lsmmeta.Snapshot, error) {
	var s lsmmeta.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/snapshots/current", nil, nil, &s)
	return s, err
}

// UnpinSnapshot implements lsmmeta.MetaClient.
func (c *Client) UnpinSnapshot(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/snapshots/unpin", nil, nil, nil)
}

// UnpinSnapshotBefore implements lsmmeta.MetaClient.
func (c *Client) UnpinSnapshotBefore(ctx context.Context, e lsmmeta.Epoch) error {
	return c.do(ctx, http.MethodPost, "/v1/snapshots/unpin", beforeQuery(uint64(e)), nil, nil)
}

// GetNewObjectIDs implements lsmmeta.MetaClient.
func (c *Client) GetNewObjectIDs(ctx context.Context, count uint32) (lsmmeta.IDRange, error) {
	q := url.Values{
		"count":  []string{strconv.FormatUint(uint64(count), 10)},
		"offset": []string{strconv.FormatUint(c.offset, 10)},
	}
	var r lsmmeta.IDRange
	err := c.do(ctx, http.MethodPost, "/v1/object-ids", q, nil, &r)
	return r, err
}

// CommitEpoch implements lsmmeta.MetaClient.
func (c *Client) CommitEpoch(ctx context.Context, r *lsmmeta.CommitEpochRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/epochs/commit", nil, r, nil)
}

// TriggerManualCompaction implements lsmmeta.MetaClient.
func (c *Client) TriggerManualCompaction(ctx context.Context, req lsmmeta.ManualCompactionRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/compactions/manual", nil, req, nil)
}

// Metrics fetches the coordinator's metrics.
func (c *Client) Metrics(ctx context.Context) (*lsmmeta.Metrics, error) {
	m := &lsmmeta.Metrics{}
	if err := c.do(ctx, http.MethodGet, "/v1/metrics", nil, nil, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SubscribeCompactionEvents implements lsmmeta.MetaClient.
func (c *Client) SubscribeCompactionEvents(ctx context.Context) (lsmmeta.CompactionEventStream, error) {
	if c.closed.Load() {
		return nil, lsmmeta.ErrClosed
	}
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/compactions/events"
	h := http.Header{}
	h.Set(RequestIDHeader, uuid.NewString())
	conn, resp, err := c.dialer.DialContext(ctx, u, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", u)
	}
	var hello streamMessage
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "reading stream hello")
	}
	if hello.Error != nil {
		_ = conn.Close()
		return nil, hello.Error.toError()
	}
	s := &eventStream{
		conn:    conn,
		session: hello.Session,
		worker:  hello.ContextID,
		tasks:   make(chan *lsmmeta.CompactionTaskEvent, 16),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.pending = make(map[uint64]chan error)
	go s.readLoop()
	return s, nil
}

// Close implements lsmmeta.MetaClient.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return lsmmeta.ErrClosed
	}
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/v1/contexts/%d", c.baseURL, uint64(c.self)), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "deregistering")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Newf("deregistering: %s", resp.Status)
	}
	return nil
}

// eventStream is the client side of a compaction event stream.
type eventStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	session string
	worker  lsmmeta.ContextID
	tasks   chan *lsmmeta.CompactionTaskEvent

	mu struct {
		sync.Mutex
		seq     uint64
		pending map[uint64]chan error
	}

	closeOnce sync.Once
	closing   chan struct{}
	// done is closed when the read loop exits; err is set before.
	done chan struct{}
	err  error
}

var _ lsmmeta.CompactionEventStream = (*eventStream)(nil)

// Session returns the server-assigned session id.
func (s *eventStream) Session() string { return s.session }

// Worker returns the compactor context the server registered.
func (s *eventStream) Worker() lsmmeta.ContextID { return s.worker }

func (s *eventStream) readLoop() {
	var err error
	for {
		var msg streamMessage
		if err = s.conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case msgTask:
			select {
			case s.tasks <- msg.Task:
			case <-s.closing:
			}
		case msgAck:
			s.mu.Lock()
			ch := s.mu.pending[msg.Seq]
			delete(s.mu.pending, msg.Seq)
			s.mu.Unlock()
			if ch != nil {
				var ackErr error
				if msg.Error != nil {
					ackErr = msg.Error.toError()
				}
				ch <- ackErr
			}
		}
	}
	s.err = errors.Mark(errors.Wrapf(err, "stream %s", s.session), lsmmeta.ErrClosed)
	close(s.done)
}

// Recv implements lsmmeta.CompactionEventStream.
func (s *eventStream) Recv(ctx context.Context) (*lsmmeta.CompactionTaskEvent, error) {
	select {
	case ev := <-s.tasks:
		return ev, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements lsmmeta.CompactionEventStream.
func (s *eventStream) Send(ctx context.Context, ev *lsmmeta.ReportTaskEvent) error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.mu.seq++
	seq := s.mu.seq
	s.mu.pending[seq] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(streamMessage{Type: msgReport, Seq: seq, Report: ev})
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.mu.pending, seq)
		s.mu.Unlock()
		return errors.Mark(errors.Wrap(err, "sending report"), lsmmeta.ErrClosed)
	}
	select {
	case err := <-ch:
		return err
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements lsmmeta.CompactionEventStream.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}
