package main

import (
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-xrt/internal/wire"
)

// writeMetrics prints one line per metric, sorted by name. Counters print their value
// and summaries their sample count, mean and tail percentiles.
func writeMetrics(w io.Writer, metrics map[string]wire.Metric) {
	p := message.NewPrinter(language.English)
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := metrics[name]
		switch {
		case m.Int64Value != nil:
			p.Fprintf(w, "%s: %d\n", name, *m.Int64Value)
		case m.Percentiles != nil:
			pc := m.Percentiles
			p.Fprintf(w, "%s: samples=%d mean=%s", name, pc.TotalSamples, formatValue(pc.Unit, pc.Mean))
			for _, pt := range pc.Points {
				p.Fprintf(w, " p%v=%s", pt.Percentile, formatValue(pc.Unit, pt.Value))
			}
			p.Fprintf(w, "\n")
		}
	}
}

func formatValue(unit wire.Unit, v float64) string {
	switch unit {
	case wire.UnitTime:
		return time.Duration(v).String()
	case wire.UnitBytes:
		return humanize.Bytes(uint64(v))
	}
	return message.NewPrinter(language.English).Sprintf("%.2f", v)
}
