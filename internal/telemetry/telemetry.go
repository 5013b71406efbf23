// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package telemetry periodically snapshots the tiering pipeline's stats
// into a rotating CSV log, the same shape as the teacher's KCP SNMP
// logger but over mem8's own components instead of transport counters.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/xtaci/mem8/internal/cache"
	"github.com/xtaci/mem8/internal/stage1"
)

// Snapshot is one row's worth of composite stats across the tiers that
// expose a Stats() method, plus the two index sizes that don't.
type Snapshot struct {
	Stage1Entries   int
	Stage1AvgWeight float64
	Stage2Indexed   int
	Stage3Indexed   int
	CacheEntries    int
	CacheAvgWeight  float64
	CacheHitRate    float64
}

func (s Snapshot) header() []string {
	return []string{
		"Stage1Entries", "Stage1AvgWeight",
		"Stage2Indexed", "Stage3Indexed",
		"CacheEntries", "CacheAvgWeight", "CacheHitRate",
	}
}

func (s Snapshot) row() []string {
	return []string{
		fmt.Sprint(s.Stage1Entries), fmt.Sprint(s.Stage1AvgWeight),
		fmt.Sprint(s.Stage2Indexed), fmt.Sprint(s.Stage3Indexed),
		fmt.Sprint(s.CacheEntries), fmt.Sprint(s.CacheAvgWeight), fmt.Sprint(s.CacheHitRate),
	}
}

// Sources is the set of components a StatsLogger snapshots. Stage2Size
// and Stage3Size are plain callbacks since those tiers expose Len()
// rather than a Stats() struct.
type Sources struct {
	Stage1     *stage1.Stage1
	Stage2Size func() int
	Stage3Size func() int
	Cache      *cache.Cache
}

// StatsLogger periodically appends a CSV row of pipeline stats to a
// rotating log file, adapted from the teacher's SnmpLogger: path's
// directory and basename are split so the basename can itself be a
// time.Format pattern, producing one file per rotation period.
type StatsLogger struct {
	path     string
	interval time.Duration
	sources  Sources
}

// NewStatsLogger constructs a logger that writes to path (whose basename
// may contain a time.Format layout for rotation) every interval.
func NewStatsLogger(path string, interval time.Duration, sources Sources) *StatsLogger {
	return &StatsLogger{path: path, interval: interval, sources: sources}
}

// Run blocks, writing one row every interval until stop is closed.
func (l *StatsLogger) Run(stop <-chan struct{}) {
	if l.path == "" || l.interval == 0 {
		return
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.writeRow(); err != nil {
				log.Println(err)
			}
		}
	}
}

func (l *StatsLogger) writeRow() error {
	logdir, logfile := filepath.Split(l.path)
	f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	defer f.Close()

	snap := l.snapshot()
	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, snap.header()...)); err != nil {
			return err
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, snap.row()...)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (l *StatsLogger) snapshot() Snapshot {
	var snap Snapshot
	if l.sources.Stage1 != nil {
		st := l.sources.Stage1.Stats()
		snap.Stage1Entries = st.TotalEntries
		snap.Stage1AvgWeight = st.AvgWeight
	}
	if l.sources.Stage2Size != nil {
		snap.Stage2Indexed = l.sources.Stage2Size()
	}
	if l.sources.Stage3Size != nil {
		snap.Stage3Indexed = l.sources.Stage3Size()
	}
	if l.sources.Cache != nil {
		cs := l.sources.Cache.Stats()
		snap.CacheEntries = cs.TotalEntries
		snap.CacheAvgWeight = cs.AvgWeight
		snap.CacheHitRate = cs.CacheHitRate
	}
	return snap
}
