// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
bio-pairhmm-score aligns the first read starting at or after a given
reference position against a surrounding window of a reference FASTA, using
the pairhmm package, and prints the resulting score and gapped alignment.

Example:

    bio-pairhmm-score -fasta ref.fa -bam reads.bam -region chr7:140453130
*/

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/octopus-caller/bio/biosimd"
	gbam "github.com/octopus-caller/bio/encoding/bam"
	"github.com/octopus-caller/bio/encoding/bamprovider"
	"github.com/octopus-caller/bio/encoding/fasta"
	"github.com/octopus-caller/bio/pairhmm"
)

var (
	fastaPath  = flag.String("fasta", "", "Reference FASTA path (required)")
	bamPath    = flag.String("bam", "", "BAM or PAM path containing the read to score (required)")
	region     = flag.String("region", "", "Restrict the search to the first read starting at or after <contig>:<0-based pos> (required)")
	band       = flag.Int("band", 8, "Band size; 8 or 16")
	gapOpen    = flag.Int("gap-open", 45, "Uniform gap-open penalty")
	gapExtend  = flag.Int("gap-extend", 10, "Uniform gap-extend penalty")
	nucPrior   = flag.Int("nuc-prior", 2, "Per-inserted-base prior penalty")
	nScore     = flag.Int("n-score", 1, "Emission penalty cap when the truth base is N")
	printAlign = flag.Bool("align", true, "Also compute and print the gapped alignment")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -fasta ref.fa -bam reads.bam -region <contig>:<pos> [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func parseRegion(r string) (contig string, pos int, err error) {
	parts := strings.SplitN(r, ":", 2)
	if len(parts) != 2 {
		return "", 0, errors.E(fmt.Sprintf("region %q must be <contig>:<pos>", r))
	}
	pos, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, errors.E(err, "region position", parts[1])
	}
	return parts[0], pos, nil
}

// firstReadNear returns the target sequence, base qualities and 0-based
// reference start position of the first read in provider whose alignment
// begins at or after pos on contig.
func firstReadNear(provider bamprovider.Provider, contig string, pos int) (target []byte, quality []int8, readPos int, err error) {
	iter := bamprovider.NewRefIterator(provider, contig, pos, math.MaxInt32)
	defer func() {
		if cerr := iter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if !iter.Scan() {
		err = errors.E(fmt.Sprintf("no read found at or after %s:%d", contig, pos))
		return
	}
	rec := iter.Record()
	target = make([]byte, len(rec.Qual))
	if len(target) != 0 {
		biosimd.UnpackSeq(target, gbam.UnsafeDoubletsToBytes(rec.Seq.Seq))
	}
	quality = make([]int8, len(rec.Qual))
	for i, q := range rec.Qual {
		quality[i] = int8(q)
	}
	readPos = rec.Pos
	return
}

func readReferenceWindow(ctx context.Context, path, contig string, start, limit int) (string, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", errors.E(err, "open", path)
	}
	defer func() { _ = in.Close(ctx) }()
	fa, err := fasta.New(in.Reader(ctx))
	if err != nil {
		return "", errors.E(err, "parse", path)
	}
	if start < 0 {
		start = 0
	}
	return fa.Get(contig, uint64(start), uint64(limit))
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if *fastaPath == "" || *bamPath == "" || *region == "" {
		usage()
		log.Fatal("-fasta, -bam and -region are all required")
	}
	if *band != 8 && *band != 16 {
		log.Fatalf("-band must be 8 or 16, got %d", *band)
	}

	contig, pos, err := parseRegion(*region)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := vcontext.Background()
	provider := bamprovider.NewProvider(*bamPath)
	defer func() {
		if cerr := provider.Close(); cerr != nil {
			log.Printf("closing %s: %v", *bamPath, cerr)
		}
	}()

	target, quality, readPos, err := firstReadNear(provider, contig, pos)
	if err != nil {
		log.Fatalf("%v", err)
	}

	a := pairhmm.NewAlignerWithBand(*band)
	b := a.BandSize()
	truthStart := readPos - b + 1
	truthLimit := truthStart + len(target) + 2*b - 1
	if truthStart < 0 {
		truthLimit -= truthStart
		truthStart = 0
	}

	truth, err := readReferenceWindow(ctx, *fastaPath, contig, truthStart, truthLimit)
	if err != nil {
		log.Fatalf("reading %s:%d-%d: %v", contig, truthStart, truthLimit, err)
	}

	p := pairhmm.Params{
		GapOpen:   pairhmm.ConstGap(int8(*gapOpen)),
		GapExtend: pairhmm.ConstGap(int8(*gapExtend)),
		NucPrior:  int16(*nucPrior),
		NScore:    int16(*nScore),
	}

	if !*printAlign {
		score := a.ScoreOnly([]byte(truth), target, quality, p)
		fmt.Printf("score=%d\n", score)
		return
	}

	r := a.ScoreAndAlign([]byte(truth), target, quality, p)
	if r.Score < 0 {
		fmt.Println("no valid alignment within band")
		return
	}
	fmt.Printf("score=%d first_pos=%d\ntruth=%s\nquery=%s\n", r.Score, r.FirstPos, r.Truth, r.Query)
}
