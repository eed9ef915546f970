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
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Stats is a snapshot of the registry.
type Stats struct {
	// Mappings is the number of registered mappings, views included.
	Mappings int

	// Views is the number of registered views.
	Views int

	// MappedBytes is the base size of owning mappings.
	MappedBytes uint64

	// Low4GBCursor is the low-4GiB allocator's next candidate.
	Low4GBCursor uintptr

	// DebugNames is the number of interned debug names.
	DebugNames int

	// Failures counts returned errors by kind.
	Failures map[ErrorKind]uint64
}

// Stats returns a snapshot of the registry.
func (mgr *Manager) Stats() Stats {
	mgr.mu.Lock()
	s := Stats{
		Low4GBCursor: mgr.nextPos,
		DebugNames:   len(mgr.names),
		Failures:     make(map[ErrorKind]uint64),
	}
	mgr.forEachLocked(func(m *Mapping) {
		s.Mappings++
		if m.reuse {
			s.Views++
		} else {
			s.MappedBytes += uint64(m.baseSize)
		}
	})
	mgr.mu.Unlock()
	for k := KindInvalidArgument; k < numKinds; k++ {
		s.Failures[k] = mgr.failures[k].Load()
	}
	return s
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Gauge: &dto.Gauge{Value: proto.Float64(v)},
		}},
	}
}

// WriteMetrics writes the registry statistics to w in the Prometheus text
// exposition format.
func (mgr *Manager) WriteMetrics(w io.Writer) error {
	s := mgr.Stats()
	failures := &dto.MetricFamily{
		Name: proto.String("mapmgr_map_failures_total"),
		Help: proto.String("Failed mapping operations by error kind."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for k := KindInvalidArgument; k < numKinds; k++ {
		failures.Metric = append(failures.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{
				Name:  proto.String("kind"),
				Value: proto.String(k.String()),
			}},
			Counter: &dto.Counter{Value: proto.Float64(float64(s.Failures[k]))},
		})
	}
	families := []*dto.MetricFamily{
		gauge("mapmgr_mappings", "Registered mappings, including views.", float64(s.Mappings)),
		gauge("mapmgr_views", "Registered mappings that do not own their pages.", float64(s.Views)),
		gauge("mapmgr_mapped_bytes", "Bytes mapped by owning mappings.", float64(s.MappedBytes)),
		gauge("mapmgr_low4gb_cursor_bytes", "Next address tried by the low-4GiB allocator.", float64(s.Low4GBCursor)),
		gauge("mapmgr_debug_names", "Interned debug names.", float64(s.DebugNames)),
		failures,
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return err
		}
	}
	return nil
}
