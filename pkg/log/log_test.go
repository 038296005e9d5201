// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type testEmitter struct {
	lines []string
}

func (e *testEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	e.lines = append(e.lines, level.String()+": "+format)
}

func TestLevelFiltering(t *testing.T) {
	te := &testEmitter{}
	l := &BasicLogger{Level: Info, Emitter: te}
	l.Debugf("dropped")
	l.Infof("kept %d", 1)
	l.Warningf("kept %d", 2)
	if got, want := len(te.lines), 2; got != want {
		t.Fatalf("emitted %d lines, want %d: %v", got, want, te.lines)
	}
	l.SetLevel(Debug)
	l.Debugf("now kept")
	if got, want := len(te.lines), 3; got != want {
		t.Errorf("emitted %d lines, want %d: %v", got, want, te.lines)
	}
}

func TestRateLimited(t *testing.T) {
	te := &testEmitter{}
	rl := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: te}, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Infof("queue full")
	}
	if got := len(te.lines); got != 1 {
		t.Errorf("rate limited logger emitted %d lines, want 1", got)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: NewLogrusEmitter(&buf, true)}
	l.Warningf("slot %d in use", 3)
	out := buf.String()
	for _, want := range []string{`"level":"warning"`, `slot 3 in use`, `log_test.go`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestLevelText(t *testing.T) {
	for _, s := range []string{"debug", "2"} {
		var l Level
		if err := l.UnmarshalText([]byte(s)); err != nil {
			t.Fatalf("UnmarshalText(%q) failed: %v", s, err)
		}
		if l != Debug {
			t.Errorf("UnmarshalText(%q) = %v, want %v", s, l, Debug)
		}
	}
	var l Level
	if err := l.UnmarshalText([]byte("loud")); err == nil {
		t.Errorf("UnmarshalText(loud) succeeded, want error")
	}
}
