// Package promtest provides helpers for finding prometheus metrics in tests.
// These functions are only intended to be called from test files, as there
// is a dependency on the standard library testing package.
package promtest

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// FindMetric returns the first metric of the family name whose labels are
// exactly labels, or nil when there is none.
func FindMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	_, m := findMetric(mfs, name, labels)
	return m
}

// MustFindMetric is like FindMetric but fails tb, listing what was
// available, when no metric matches.
func MustFindMetric(tb testing.TB, mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	tb.Helper()

	fam, m := findMetric(mfs, name, labels)
	if fam == nil {
		names := make([]string, 0, len(mfs))
		for _, mf := range mfs {
			names = append(names, mf.GetName())
		}
		tb.Fatalf("metric family %q not found; available: %s", name, strings.Join(names, ", "))
		return nil
	}
	if m == nil {
		var available []string
		for _, m := range fam.Metric {
			available = append(available, labelString(m.Label))
		}
		tb.Fatalf("metric %q with labels %v not found; available: %s", name, labels, strings.Join(available, "; "))
		return nil
	}
	return m
}

func labelString(pairs []*dto.LabelPair) string {
	s := make([]string, len(pairs))
	for i, l := range pairs {
		s[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	sort.Strings(s)
	return "{" + strings.Join(s, ", ") + "}"
}

func findMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) (*dto.MetricFamily, *dto.Metric) {
	var fam *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == name {
			fam = mf
			break
		}
	}
	if fam == nil {
		return nil, nil
	}

next:
	for _, m := range fam.Metric {
		if len(m.Label) != len(labels) {
			continue
		}
		for _, l := range m.Label {
			if v, ok := labels[l.GetName()]; !ok || v != l.GetValue() {
				continue next
			}
		}
		return fam, m
	}
	return fam, nil
}

// MustGather calls g.Gather and fails tb on error.
func MustGather(tb testing.TB, g prometheus.Gatherer) []*dto.MetricFamily {
	tb.Helper()

	mfs, err := g.Gather()
	if err != nil {
		tb.Fatalf("error while gathering metrics: %v", err)
		return nil
	}
	return mfs
}
