// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package spoolrecord defines the wire types the tracker writes to
// spool files and the publisher uploads, and the length-delimited
// framing used to store them.
//
// Each record on disk is a uvarint byte length followed by that many
// CBOR-encoded bytes (via lib/codec). The uvarint prefix is a narrow,
// self-contained framing primitive with no dependency on any
// particular message format, so it is written directly with
// encoding/binary rather than through a general-purpose RPC framing
// library.
package spoolrecord

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openporch/deskmetrics/lib/codec"
)

// maxRecordSize bounds a single record's encoded payload, guarding
// against a corrupt length prefix turning a short read into an
// unbounded allocation.
const maxRecordSize = 16 << 20

// LogEvent is one journaled occurrence: the host-supplied serialized
// event payload, stamped with the time it was logged.
type LogEvent struct {
	EventTimeMs int64  `cbor:"event_time_ms"`
	Payload     []byte `cbor:"payload"`
}

// ClientInfo identifies the reporting host in an upload request.
type ClientInfo struct {
	ClientType     string `cbor:"client_type"`
	LoggingID      string `cbor:"logging_id"`
	OSName         string `cbor:"os_name"`
	OSMajorVersion string `cbor:"os_major_version"`
	OSFullVersion  string `cbor:"os_full_version"`
}

// MetaMetricPayload describes the publisher's own health. It is
// encoded as a LogEvent's Payload for the synthesized meta-metric
// event each upload prepends.
type MetaMetricPayload struct {
	BytesSentInLastUpload int64 `cbor:"bytes_sent_in_last_upload"`
	FailedConnections     int64 `cbor:"failed_connections"`
	FailedServerReplies   int64 `cbor:"failed_server_replies"`
}

// LogRequest is the unit the publisher uploads: one spool file's
// records, plus a meta-metric event, wrapped with client identity and
// timing.
type LogRequest struct {
	ClientInfo      ClientInfo `cbor:"client_info"`
	LogSource       string     `cbor:"log_source"`
	RequestTimeMs   int64      `cbor:"request_time_ms"`
	RequestUptimeMs int64      `cbor:"request_uptime_ms"`
	LogEvents       []LogEvent `cbor:"log_events"`
}

// WriteRecord appends one length-delimited, CBOR-encoded LogEvent to
// w. Callers are responsible for flushing/syncing w afterward.
func WriteRecord(w io.Writer, event LogEvent) error {
	body, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode log event: %w", err)
	}

	var lengthPrefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lengthPrefix[:], uint64(len(body)))
	if _, err := w.Write(lengthPrefix[:n]); err != nil {
		return fmt.Errorf("write record length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write record body: %w", err)
	}
	return nil
}

// ReadRecord reads one length-delimited LogEvent from r. It returns
// io.EOF (unwrapped) when r is exhausted exactly at a record
// boundary, which is the only well-formed end-of-stream condition.
func ReadRecord(r *bufio.Reader) (LogEvent, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return LogEvent{}, io.EOF
		}
		return LogEvent{}, fmt.Errorf("read record length: %w", err)
	}
	if length > maxRecordSize {
		return LogEvent{}, fmt.Errorf("record length %d exceeds maximum %d", length, maxRecordSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return LogEvent{}, fmt.Errorf("read record body: %w", err)
	}

	var event LogEvent
	if err := codec.Unmarshal(body, &event); err != nil {
		return LogEvent{}, fmt.Errorf("decode log event: %w", err)
	}
	return event, nil
}

// ReadAllRecords reads every length-delimited LogEvent from r until
// EOF.
func ReadAllRecords(r io.Reader) ([]LogEvent, error) {
	buffered := bufio.NewReader(r)
	var events []LogEvent
	for {
		event, err := ReadRecord(buffered)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
}
