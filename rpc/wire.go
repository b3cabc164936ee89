// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package rpc serves a Coordinator over HTTP and implements
// lsmmeta.MetaClient on top of it.
//
// Requests and responses are JSON, except versions, which travel as the
// binary encoding of Version.AsDelta. Calls that act on behalf of a client
// carry its context id in the ContextHeader header. Compaction event streams
// use a WebSocket carrying streamMessage values.
package rpc

import (
	"bytes"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
)

const (
	// ContextHeader names the header carrying the caller's context id.
	ContextHeader = "Lsmmeta-Context"
	// RequestIDHeader names the header carrying the request id.
	RequestIDHeader = "X-Request-Id"

	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

// Error kinds as they appear on the wire.
var errorKinds = []struct {
	name string
	err  error
}{
	{"allocation_exhausted", lsmmeta.ErrAllocationExhausted},
	{"backing_store_unavailable", lsmmeta.ErrBackingStoreUnavailable},
	{"conflicting_object_id", lsmmeta.ErrConflictingObjectID},
	{"stale_base_version", lsmmeta.ErrStaleBaseVersion},
	{"unknown_task", lsmmeta.ErrUnknownTask},
	{"stale_report", lsmmeta.ErrStaleReport},
	{"unknown_context", lsmmeta.ErrUnknownContext},
	{"invalid_epoch", lsmmeta.ErrInvalidEpoch},
	{"closed", lsmmeta.ErrClosed},
}

// wireError is the body of a failed response.
type wireError struct {
	Message   string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func toWireError(err error, requestID string) *wireError {
	we := &wireError{Message: err.Error(), RequestID: requestID}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			we.Kind = k.name
			break
		}
	}
	return we
}

// toError rebuilds an error that errors.Is classifies the same way as the
// server-side error.
func (we *wireError) toError() error {
	err := errors.Newf("%s", we.Message)
	if we.RequestID != "" {
		err = errors.WithDetailf(err, "request %s", we.RequestID)
	}
	for _, k := range errorKinds {
		if k.name == we.Kind {
			return errors.Mark(err, k.err)
		}
	}
	return err
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, lsmmeta.ErrUnknownContext), errors.Is(err, lsmmeta.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, lsmmeta.ErrInvalidEpoch), errors.Is(err, lsmmeta.ErrConflictingObjectID),
		errors.Is(err, lsmmeta.ErrStaleBaseVersion), errors.Is(err, lsmmeta.ErrStaleReport):
		return http.StatusConflict
	case errors.Is(err, lsmmeta.ErrBackingStoreUnavailable), errors.Is(err, lsmmeta.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, lsmmeta.ErrAllocationExhausted):
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadRequest
	}
}

// Stream message types.
const (
	msgHello  = "hello"
	msgTask   = "task"
	msgReport = "report"
	msgAck    = "ack"
)

// streamMessage is exchanged on a compaction event stream. The server sends
// a hello, then tasks and acks; the client sends reports, each answered by
// an ack with the same Seq.
type streamMessage struct {
	Type      string                       `json:"type"`
	Session   string                       `json:"session,omitempty"`
	ContextID lsmmeta.ContextID            `json:"context_id,omitempty"`
	Seq       uint64                       `json:"seq,omitempty"`
	Task      *lsmmeta.CompactionTaskEvent `json:"task,omitempty"`
	Report    *lsmmeta.ReportTaskEvent     `json:"report,omitempty"`
	Error     *wireError                   `json:"error,omitempty"`
}

type contextResponse struct {
	ContextID lsmmeta.ContextID `json:"context_id"`
}

type registerRequest struct {
	Addr string `json:"addr"`
}

func encodeVersion(v *lsmmeta.Version) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.AsDelta().Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVersion(data []byte) (*lsmmeta.Version, error) {
	var d manifest.VersionDelta
	if err := d.Decode(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "decoding version")
	}
	return manifest.NewVersionFromSnapshot(&d)
}
