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

package main

import (
	"encoding/json"
	"os"
)

// Config drives a mem8d process: where each tier persists, its tuning
// knobs, and the ambient concerns (logging, stats, at-rest passphrase).
type Config struct {
	Stage2Path         string  `json:"stage2path"`
	Stage3Path         string  `json:"stage3path"`
	Stage3RedundPath   string  `json:"stage3redundpath"`
	EntriesPerFile     int     `json:"entriesperfile"`
	CompressionAgeDays int     `json:"compressionagedays"`
	MinWeightThreshold int     `json:"minweightthreshold"`
	MinAgeDays         int     `json:"minagedays"`
	Erasure            bool    `json:"erasure"`
	DataShard          int     `json:"datashard"`
	ParityShard        int     `json:"parityshard"`
	Passphrase         string  `json:"passphrase"`
	CacheMaxEntries    int     `json:"cachemaxentries"`
	CacheThreshold     float64 `json:"cachethreshold"`
	MaintainPeriod     int     `json:"maintainperiod"`
	PromoteBatch       int     `json:"promotebatch"`
	SnmpLog            string  `json:"snmplog"`
	SnmpPeriod         int     `json:"snmpperiod"`
	Log                string  `json:"log"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
