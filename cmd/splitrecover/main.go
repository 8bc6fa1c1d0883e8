// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

// splitrecover reassembles a splitfile payload offline: it feeds raw
// CHK block files through the fetch storage engine, lets FEC
// reconstruct whatever is missing, and writes the decoded payload.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/blubskye/gosplitfile/splitfile"
)

// Descriptor is the YAML description of a splitfile fetch: geometry
// and expected keys, as extracted from the splitfile metadata.
type Descriptor struct {
	DataLength      int64  `yaml:"data_length"`
	CryptoKey       string `yaml:"crypto_key"`
	CryptoAlgorithm byte   `yaml:"crypto_algorithm"`
	RetryTracking   bool   `yaml:"retry_tracking"`

	CrossSegmentDataBlocks  int   `yaml:"cross_segment_data_blocks"`
	CrossSegmentCheckBlocks int   `yaml:"cross_segment_check_blocks"`
	CrossSegmentSeed        int64 `yaml:"cross_segment_seed"`

	Segments []SegmentDescriptor `yaml:"segments"`
}

// SegmentDescriptor is one segment's geometry and routing keys.
type SegmentDescriptor struct {
	DataBlocks       int      `yaml:"data_blocks"`
	CrossCheckBlocks int      `yaml:"cross_check_blocks"`
	CheckBlocks      int      `yaml:"check_blocks"`
	RoutingKeys      []string `yaml:"routing_keys"`
}

type waiter struct {
	finished chan int
	failed   chan error
}

func (w *waiter) OnSegmentSucceeded(segNo int)        {}
func (w *waiter) OnSegmentFinished(segNo int)         { w.finished <- segNo }
func (w *waiter) OnSegmentFailed(segNo int, err error) {
	log.Errorf("segment %d failed: %v", segNo, err)
}
func (w *waiter) OnSplitfileFailed(err error) {
	select {
	case w.failed <- err:
	default:
	}
}

func main() {
	descriptorPath := pflag.StringP("descriptor", "f", "", "YAML splitfile descriptor (required)")
	scratchPath := pflag.StringP("scratch", "s", "", "Scratch file path (required)")
	blocksDir := pflag.StringP("blocks", "b", "", "Directory of raw *.chk block files")
	output := pflag.StringP("output", "o", "", "Output file (default: stdout)")
	resume := pflag.Bool("resume", false, "Resume from an existing scratch file")
	memoryBudget := pflag.Int64("memory", 128<<20, "Decode memory budget in bytes")
	workers := pflag.Int("workers", 2, "Decode worker count")
	timeout := pflag.Duration("timeout", 2*time.Minute, "Time to wait for decode after ingest")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose output")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *descriptorPath == "" || *scratchPath == "" {
		pflag.Usage()
		os.Exit(2)
	}

	if err := run(*descriptorPath, *scratchPath, *blocksDir, *output, *resume, *memoryBudget, *workers, *timeout); err != nil {
		log.Fatalf("splitrecover: %v", err)
	}
}

func run(descriptorPath, scratchPath, blocksDir, output string, resume bool, memoryBudget int64, workers int, timeout time.Duration) error {
	data, err := os.ReadFile(descriptorPath)
	if err != nil {
		return fmt.Errorf("failed to read descriptor: %w", err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("failed to parse descriptor: %w", err)
	}

	params, err := buildParams(&desc)
	if err != nil {
		return err
	}

	raf, err := splitfile.OpenRAF(scratchPath)
	if err != nil {
		return err
	}
	defer raf.Close()

	jobs := splitfile.NewMemJobRunner(workers, memoryBudget)
	defer jobs.Stop()

	w := &waiter{
		finished: make(chan int, len(params.Segments)),
		failed:   make(chan error, 1),
	}

	var storage *splitfile.SplitFileFetcherStorage
	if resume {
		storage, err = splitfile.ResumeSplitFileFetcherStorage(raf, splitfile.NewReedSolomonCodec(), jobs, w, nil, *params)
	} else {
		storage, err = splitfile.NewSplitFileFetcherStorage(raf, splitfile.NewReedSolomonCodec(), jobs, w, nil, *params)
	}
	if err != nil {
		return err
	}
	defer storage.Close()

	if blocksDir != "" {
		if err := ingestBlocks(storage, blocksDir); err != nil {
			return err
		}
	}
	for _, seg := range storage.Segments() {
		seg.TryStartDecode()
	}

	deadline := time.After(timeout)
	remaining := 0
	for _, seg := range storage.Segments() {
		if !seg.Finished() {
			remaining++
		}
	}
	for remaining > 0 {
		select {
		case <-w.finished:
			remaining--
		case err := <-w.failed:
			return fmt.Errorf("splitfile failed: %w", err)
		case <-deadline:
			return fmt.Errorf("timed out with %d segments unfinished; deliver more blocks and rerun with --resume", remaining)
		}
	}

	out := os.Stdout
	if output != "" {
		out, err = os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer out.Close()
	}
	written, err := storage.WriteOut(out)
	if err != nil {
		return err
	}
	log.Infof("wrote %d bytes", written)
	return nil
}

func buildParams(desc *Descriptor) (*splitfile.Params, error) {
	cryptoKey, err := hex.DecodeString(desc.CryptoKey)
	if err != nil {
		return nil, fmt.Errorf("bad crypto key: %w", err)
	}
	params := &splitfile.Params{
		DataLength:              desc.DataLength,
		RetryTracking:           desc.RetryTracking,
		CrossSegmentDataBlocks:  desc.CrossSegmentDataBlocks,
		CrossSegmentCheckBlocks: desc.CrossSegmentCheckBlocks,
		CrossSegmentSeed:        desc.CrossSegmentSeed,
	}
	for i, sd := range desc.Segments {
		routingKeys := make([][]byte, len(sd.RoutingKeys))
		for j, rk := range sd.RoutingKeys {
			routingKeys[j], err = hex.DecodeString(rk)
			if err != nil {
				return nil, fmt.Errorf("segment %d routing key %d: %w", i, j, err)
			}
		}
		tab, err := splitfile.NewSegmentKeys(cryptoKey, desc.CryptoAlgorithm, routingKeys)
		if err != nil {
			return nil, fmt.Errorf("segment %d keys: %w", i, err)
		}
		params.Segments = append(params.Segments, splitfile.SegmentParams{
			DataBlocks:       sd.DataBlocks,
			CrossCheckBlocks: sd.CrossCheckBlocks,
			CheckBlocks:      sd.CheckBlocks,
			Keys:             tab,
		})
	}
	return params, nil
}

func ingestBlocks(storage *splitfile.SplitFileFetcherStorage, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.chk"))
	if err != nil {
		return err
	}
	accepted := 0
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read block file %s: %w", path, err)
		}
		if len(raw) != splitfile.RawBlockLength {
			log.Warnf("skipping %s: %d bytes, want %d", path, len(raw), splitfile.RawBlockLength)
			continue
		}
		routingKey := sha256.Sum256(raw)
		if storage.RouteBlock(routingKey[:], raw) {
			accepted++
			log.Debugf("accepted %s", filepath.Base(path))
		} else {
			log.Debugf("rejected %s", filepath.Base(path))
		}
	}
	log.Infof("ingested %d of %d block files", accepted, len(matches))
	return nil
}
