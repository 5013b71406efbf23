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

// Command mem8d drives the tiered memory store: it owns Stage1, Stage2,
// Stage3, the PersonalityCache, and the pipeline glue between them, and
// runs the periodic maintain/promote/telemetry loops.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/xtaci/mem8/internal/cache"
	"github.com/xtaci/mem8/internal/erasure"
	"github.com/xtaci/mem8/internal/pipeline"
	"github.com/xtaci/mem8/internal/stage1"
	"github.com/xtaci/mem8/internal/stage2"
	"github.com/xtaci/mem8/internal/stage3"
	"github.com/xtaci/mem8/internal/telemetry"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "mem8d"
	myApp.Usage = "tiered temporal memory store daemon"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "stage2path", Value: "./data/stage2", Usage: "Stage2 journal directory"},
		cli.StringFlag{Name: "stage3path", Value: "./data/stage3", Usage: "Stage3 primary core directory"},
		cli.StringFlag{Name: "stage3redundpath", Value: "./data/stage3-redundancy", Usage: "Stage3 replica core directory"},
		cli.IntFlag{Name: "entriesperfile", Value: 1000, Usage: "Stage2 entries per journal file"},
		cli.IntFlag{Name: "compressionagedays", Value: 7, Usage: "Stage2 age in days before compress_old_entries applies"},
		cli.IntFlag{Name: "minweightthreshold", Value: 800, Usage: "Stage3 promotion weight gate"},
		cli.IntFlag{Name: "minagedays", Value: 30, Usage: "Stage3 promotion age gate, in days"},
		cli.BoolFlag{Name: "erasure", Usage: "use Reed-Solomon shard parity for Stage3 blocks instead of XOR fold"},
		cli.IntFlag{Name: "datashard,ds", Value: 10, Usage: "Stage3 erasure coding data shard count"},
		cli.IntFlag{Name: "parityshard,ps", Value: 3, Usage: "Stage3 erasure coding parity shard count"},
		cli.StringFlag{Name: "passphrase", Value: "", Usage: "optional at-rest obfuscation passphrase for Stage3 blocks"},
		cli.IntFlag{Name: "cachemaxentries", Value: 10000, Usage: "PersonalityCache capacity"},
		cli.Float64Flag{Name: "cachethreshold", Value: 0.0, Usage: "PersonalityCache admission link_strength threshold"},
		cli.IntFlag{Name: "maintainperiod", Value: 60, Usage: "seconds between Stage1 maintain/migrate passes"},
		cli.IntFlag{Name: "promotebatch", Value: 100, Usage: "max Stage2 entries evaluated per promote pass"},
		cli.StringFlag{Name: "snmplog", Value: "", Usage: "collect stats to file, aware of timeformat in golang, like: ./stats-20060102.log"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "stats collect period, in seconds"},
		cli.StringFlag{Name: "log", Value: "", Usage: "specify a log file to output, default goes to stderr"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config from json file, which will override the command from shell"},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config := Config{}
	config.Stage2Path = c.String("stage2path")
	config.Stage3Path = c.String("stage3path")
	config.Stage3RedundPath = c.String("stage3redundpath")
	config.EntriesPerFile = c.Int("entriesperfile")
	config.CompressionAgeDays = c.Int("compressionagedays")
	config.MinWeightThreshold = c.Int("minweightthreshold")
	config.MinAgeDays = c.Int("minagedays")
	config.Erasure = c.Bool("erasure")
	config.DataShard = c.Int("datashard")
	config.ParityShard = c.Int("parityshard")
	config.Passphrase = c.String("passphrase")
	config.CacheMaxEntries = c.Int("cachemaxentries")
	config.CacheThreshold = c.Float64("cachethreshold")
	config.MaintainPeriod = c.Int("maintainperiod")
	config.PromoteBatch = c.Int("promotebatch")
	config.SnmpLog = c.String("snmplog")
	config.SnmpPeriod = c.Int("snmpperiod")
	config.Log = c.String("log")

	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			return err
		}
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("stage2path:", config.Stage2Path)
	log.Println("stage3path:", config.Stage3Path, "redundancy:", config.Stage3RedundPath)
	log.Println("erasure:", config.Erasure, "datashard:", config.DataShard, "parityshard:", config.ParityShard)
	log.Println("minweightthreshold:", config.MinWeightThreshold, "minagedays:", config.MinAgeDays)
	log.Println("cache: maxentries", config.CacheMaxEntries, "threshold", config.CacheThreshold)

	if config.Erasure && config.DataShard <= 0 {
		color.Red("WARNING: erasure enabled but datashard is %d, Stage3 blocks will fail to encode.", config.DataShard)
	}
	if config.Passphrase != "" && len(config.Passphrase) < 8 {
		color.Red("WARNING: passphrase has size of %d bytes; a short passphrase weakens the at-rest keystream.", len(config.Passphrase))
	}

	s1 := stage1.New(stage1.DefaultConfig())

	s2cfg := stage2.DefaultConfig(config.Stage2Path)
	s2cfg.EntriesPerFile = config.EntriesPerFile
	s2cfg.CompressionAge = time.Duration(config.CompressionAgeDays) * 24 * time.Hour
	s2, err := stage2.New(s2cfg)
	if err != nil {
		return err
	}
	defer s2.Close()

	s3cfg := stage3.DefaultConfig(config.Stage3Path, config.Stage3RedundPath)
	s3cfg.MinWeightThreshold = uint16(config.MinWeightThreshold)
	s3cfg.MinAgeDays = config.MinAgeDays
	s3cfg.Passphrase = config.Passphrase
	if config.Erasure {
		coder, err := erasure.New(config.DataShard, config.ParityShard)
		if err != nil {
			return err
		}
		s3cfg.Erasure = coder
	}
	s3, err := stage3.New(s3cfg)
	if err != nil {
		return err
	}

	pcache := cache.New(config.CacheMaxEntries, config.CacheThreshold)

	pl := pipeline.New(s1, s2, s3)

	statsLogger := telemetry.NewStatsLogger(config.SnmpLog, time.Duration(config.SnmpPeriod)*time.Second, telemetry.Sources{
		Stage1:     s1,
		Stage2Size: s2.Len,
		Stage3Size: s3.Len,
		Cache:      pcache,
	})
	stopStats := make(chan struct{})
	go statsLogger.Run(stopStats)
	defer close(stopStats)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(config.MaintainPeriod) * time.Second)
	defer ticker.Stop()

	log.Println("mem8d running, maintain period:", config.MaintainPeriod, "seconds")
	for {
		select {
		case <-sigCh:
			log.Println("shutting down")
			return nil
		case <-ticker.C:
			aged, err := pl.MaintainAndMigrate()
			if err != nil {
				log.Println("maintain:", err)
				continue
			}
			log.Println("maintain: migrated", len(aged), "entries to stage2")

			if err := s2.CompressOldEntries(time.Now()); err != nil {
				log.Println("compress_old_entries:", err)
			}

			promoted, err := pl.Promote(config.PromoteBatch, time.Now())
			if err != nil {
				log.Println("promote:", err)
				continue
			}
			if promoted > 0 {
				log.Println("promote: promoted", promoted, "entries to stage3")
			}
		}
	}
}
