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

// Command mem8ctl inspects and operates on a mem8d data directory
// offline: it opens Stage2/Stage3 against the same paths a running mem8d
// uses and reports their indexed sizes, or drives a one-shot promotion
// pass, without holding the daemon's long-lived process.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/xtaci/mem8/internal/pipeline"
	"github.com/xtaci/mem8/internal/stage1"
	"github.com/xtaci/mem8/internal/stage2"
	"github.com/xtaci/mem8/internal/stage3"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "mem8ctl"
	myApp.Usage = "inspect and drive a mem8d data directory out of process"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "stage2path", Value: "./data/stage2", Usage: "Stage2 journal directory"},
		cli.StringFlag{Name: "stage3path", Value: "./data/stage3", Usage: "Stage3 primary core directory"},
		cli.StringFlag{Name: "stage3redundpath", Value: "./data/stage3-redundancy", Usage: "Stage3 replica core directory"},
		cli.IntFlag{Name: "minweightthreshold", Value: 800, Usage: "Stage3 promotion weight gate"},
		cli.IntFlag{Name: "minagedays", Value: 30, Usage: "Stage3 promotion age gate, in days"},
	}
	myApp.Commands = []cli.Command{
		{
			Name:  "stats",
			Usage: "print Stage2 and Stage3 indexed entry counts",
			Action: func(c *cli.Context) error {
				s2, s3, err := openStages(c)
				if err != nil {
					return err
				}
				defer s2.Close()
				fmt.Println("stage2_indexed:", s2.Len())
				fmt.Println("stage3_indexed:", s3.Len())
				return nil
			},
		},
		{
			Name:  "promote",
			Usage: "run one promotion pass from Stage2 into Stage3",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "batch", Value: 100, Usage: "max Stage2 entries evaluated"},
			},
			Action: func(c *cli.Context) error {
				s2, s3, err := openStages(c)
				if err != nil {
					return err
				}
				defer s2.Close()

				// Stage1 is not part of an offline promotion pass; the
				// pipeline only needs it for MaintainAndMigrate, which
				// mem8ctl does not drive.
				pl := pipeline.New(&stage1.Stage1{}, s2, s3)
				promoted, err := pl.Promote(c.Int("batch"), time.Now())
				if err != nil {
					return err
				}
				fmt.Println("promoted:", promoted)
				return nil
			},
		},
	}
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func openStages(c *cli.Context) (*stage2.Stage2, *stage3.Stage3, error) {
	s2, err := stage2.New(stage2.DefaultConfig(c.GlobalString("stage2path")))
	if err != nil {
		return nil, nil, err
	}

	s3cfg := stage3.DefaultConfig(c.GlobalString("stage3path"), c.GlobalString("stage3redundpath"))
	s3cfg.MinWeightThreshold = uint16(c.GlobalInt("minweightthreshold"))
	s3cfg.MinAgeDays = c.GlobalInt("minagedays")
	s3, err := stage3.New(s3cfg)
	if err != nil {
		s2.Close()
		return nil, nil, err
	}
	return s2, s3, nil
}
