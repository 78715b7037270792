// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns the production Clock, backed directly by the standard
// time package. Every cmd/ entrypoint constructs exactly one and
// threads it through the settings store, scheduler, tracker, and
// publisher it builds.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop, resetFunc: t.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop, resetFunc: t.Reset}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
