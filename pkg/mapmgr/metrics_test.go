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

package mapmgr

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/mapmgr/pkg/hostarch"
	"gvisor.dev/mapmgr/pkg/platform"
)

func populate(t *testing.T, env *testEnv) {
	t.Helper()
	mustAnon(t, env.mgr, "a", AnonymousOpts{Length: 2 * pageSize, Prot: platform.ProtRW})
	if _, err := env.mgr.MapPlaceholder("ph", 0x700000, pageSize); err != nil {
		t.Fatalf("MapPlaceholder failed: %v", err)
	}
	if _, err := env.mgr.MapAnonymous("empty", AnonymousOpts{}); err == nil {
		t.Fatalf("empty MapAnonymous succeeded")
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	populate(t, env)
	want := Stats{
		Mappings:     2,
		Views:        1,
		MappedBytes:  2 * pageSize,
		Low4GBCursor: uintptr(hostarch.Low4GBFloor),
		DebugNames:   1,
		Failures:     make(map[ErrorKind]uint64),
	}
	for k := KindInvalidArgument; k < numKinds; k++ {
		want.Failures[k] = 0
	}
	want.Failures[KindInvalidArgument] = 1
	if diff := cmp.Diff(want, env.mgr.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if got := env.mgr.MappedBytes(); got != 2*pageSize {
		t.Errorf("MappedBytes = %#x, want %#x", got, 2*pageSize)
	}
}

func TestWriteMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	populate(t, env)
	var buf bytes.Buffer
	if err := env.mgr.WriteMetrics(&buf); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("exported metrics do not parse: %v\n%s", err, buf.String())
	}

	gauges := make(map[string]float64)
	for _, name := range []string{"mapmgr_mappings", "mapmgr_views", "mapmgr_mapped_bytes", "mapmgr_low4gb_cursor_bytes", "mapmgr_debug_names"} {
		f, ok := families[name]
		if !ok {
			t.Errorf("metric %s missing", name)
			continue
		}
		gauges[name] = f.GetMetric()[0].GetGauge().GetValue()
	}
	wantGauges := map[string]float64{
		"mapmgr_mappings":            2,
		"mapmgr_views":               1,
		"mapmgr_mapped_bytes":        2 * pageSize,
		"mapmgr_low4gb_cursor_bytes": float64(hostarch.Low4GBFloor),
		"mapmgr_debug_names":         1,
	}
	if diff := cmp.Diff(wantGauges, gauges); diff != "" {
		t.Errorf("gauges mismatch (-want +got):\n%s", diff)
	}

	failures := make(map[string]float64)
	for _, m := range families["mapmgr_map_failures_total"].GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "kind" {
				failures[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	wantFailures := map[string]float64{
		"invalid_argument":          1,
		"reservation_conflict":      0,
		"kernel_map_failed":         0,
		"address_hint_not_honoured": 0,
		"low_memory_exhausted":      0,
		"unsupported_operation":     0,
	}
	if diff := cmp.Diff(wantFailures, failures); diff != "" {
		t.Errorf("failure counters mismatch (-want +got):\n%s", diff)
	}
}
