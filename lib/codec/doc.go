// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Deskmetrics's standard CBOR encoding configuration.
//
// Deskmetrics uses CBOR for every on-disk and over-the-wire record that
// is internal to the analytics pipeline: journaled log events in spool
// files and the log requests the publisher uploads. This package
// provides the shared encoding and decoding modes so that the tracker
// and the publisher encode identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which matters for spool records that are framed with an
// explicit length prefix — re-encoding the same event twice must never
// change its length.
//
// For buffer-oriented operations (one spool record body, one upload
// request):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations over a sequence of bare CBOR items
// (spool files are not such a stream: each record carries a uvarint
// length prefix and is read with lib/spoolrecord):
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
package codec
