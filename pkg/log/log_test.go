// Copyright 2018 Google LLC
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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := buf.String(), "shown 2\nshown 3\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: Debug},
		{in: "INFO", want: Info},
		{in: "warn", want: Warning},
		{in: "warning", want: Warning},
		{in: "loud", wantErr: true},
	} {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %t", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 9, 5, 3, 42000, time.UTC)
	e.Emit(0, Warning, ts, "mapped %d bytes", 4096)

	re := regexp.MustCompile(`^W0307 09:05:03\.000042 +` + strconv.Itoa(os.Getpid()) + ` log_test\.go:\d+\] mapped 4096 bytes\n$`)
	if !re.MatchString(buf.String()) {
		t.Errorf("unexpected glog line %q", buf.String())
	}
}

func TestJSONEmitters(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2024, time.March, 7, 9, 5, 3, 0, time.UTC)

	JSONEmitter{&Writer{Next: &buf}}.Emit(0, Info, ts, "hello %s", "json")
	var j jsonLog
	if err := json.Unmarshal(buf.Bytes(), &j); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if j.Level != Info || !strings.HasSuffix(j.Msg, "] hello json") || !j.Time.Equal(ts) {
		t.Errorf("unexpected json log %+v", j)
	}

	buf.Reset()
	K8sJSONEmitter{&Writer{Next: &buf}}.Emit(0, Debug, ts, "hello %s", "k8s")
	var k k8sJSONLog
	if err := json.Unmarshal(buf.Bytes(), &k); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if k.Level != Debug || !strings.HasSuffix(k.Log, "] hello k8s") {
		t.Errorf("unexpected k8s log %+v", k)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	LogrusEmitter{Logger: l}.Emit(0, Warning, time.Now(), "redzone at %#x", 0x1000)
	if got, want := buf.String(), "level=warning msg=\"redzone at 0x1000\"\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debugf(format string, v ...any) { r.Warningf(format, v...) }
func (r *recordingLogger) Infof(format string, v ...any)  { r.Warningf(format, v...) }
func (r *recordingLogger) Warningf(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}
func (r *recordingLogger) IsLogging(Level) bool { return true }

func TestRateLimitedLogger(t *testing.T) {
	r := &recordingLogger{}
	l := BurstRateLimitedLogger(r, time.Hour, 2).(*rateLimitedLogger)
	for i := 0; i < 10; i++ {
		l.Warningf("madvise %d failed", i)
	}
	if len(r.lines) != 2 {
		t.Fatalf("rate limited logger emitted %q, want 2 statements", r.lines)
	}
	if got := l.suppressed.Load(); got != 8 {
		t.Errorf("suppressed = %d, want 8", got)
	}

	// Lift the limit; the next statement carries the drop count.
	l.limit.SetLimitAt(time.Now(), rate.Inf)
	l.Infof("madvise %d failed", 10)
	if want := "madvise 10 failed (8 similar statements suppressed)"; r.lines[len(r.lines)-1] != want {
		t.Errorf("last statement = %q, want %q", r.lines[len(r.lines)-1], want)
	}
	if got := l.suppressed.Load(); got != 0 {
		t.Errorf("suppressed after report = %d, want 0", got)
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(filepath.Join(dir, "sub", "mapctl.%PID%.log"))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if want := filepath.Join(dir, "sub", fmt.Sprintf("mapctl.%d.log", os.Getpid())); f.Name() != want {
		t.Errorf("OpenFile created %q, want %q", f.Name(), want)
	}

	if f, err := OpenFile(""); f != nil || err != nil {
		t.Errorf("OpenFile(\"\") = %v, %v, want nil, nil", f, err)
	}
}
