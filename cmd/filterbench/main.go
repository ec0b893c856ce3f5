// Command filterbench drives the full producer-to-consumer runtime
// filter path end to end and prints throughput, the analog of the
// teacher's cmd/benchmark (which timed a CSV indexing run instead of a
// filter build/publish/probe cycle).
package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/runtimefilter/rtfilter"
	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/runtimefilter/rtfilter/internal/filterval"
	"github.com/runtimefilter/rtfilter/internal/instance"
	"github.com/runtimefilter/rtfilter/internal/predicate"
	"github.com/runtimefilter/rtfilter/internal/transport"
	"github.com/runtimefilter/rtfilter/internal/wrapper"
)

const buildFragment uint64 = 1
const probeFragment uint64 = 2
const filterID uint32 = 1001

func main() {
	rows := 2_000_000
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil {
			fmt.Println("Usage: filterbench <row_count>")
			os.Exit(1)
		}
		rows = n
	}

	fmt.Printf("Generating %d synthetic build-side keys...\n", rows)
	rng := rand.New(rand.NewSource(42))
	keys := make([]int64, rows)
	for i := range keys {
		keys[i] = rng.Int63n(int64(rows) * 4)
	}

	lt := transport.NewLocal()
	local := fmt.Sprintf("%d", probeFragment)
	engine := rtfilter.New(lt, local)

	valueCfg := rtfilter.ValueConfig{
		Kind:     filterval.KindBloom,
		ColType:  coltype.Int64,
		BloomN:   rows,
		FPRate:   0.01,
		Polarity: wrapper.PolarityIn,
	}

	conjunct := predicate.And(
		predicate.Leaf(predicate.OpBloomProbe, "id", coltype.Int64),
	)

	consumer, err := engine.RegisterConsumer(rtfilter.ConsumerDesc{
		FragmentInstanceID: probeFragment,
		FilterID:           filterID,
		Value:              valueCfg,
		Column:             "id",
		Conjunct:           conjunct,
		WaitFor:            5 * time.Second,
		AwaiterKind:        instance.AwaiterCond,
	})
	if err != nil {
		panic(err)
	}

	producer, err := engine.RegisterProducer(rtfilter.ProducerDesc{
		FragmentInstanceID: buildFragment,
		FilterID:           filterID,
		Value:              valueCfg,
		ExpectedProducers:  1,
		Consumers: []rtfilter.Target{
			{Endpoint: local, FragmentInstanceID: probeFragment},
		},
	})
	if err != nil {
		panic(err)
	}

	fmt.Println("Building and publishing filter...")
	start := time.Now()
	for _, k := range keys {
		if err := engine.Insert(producer, k); err != nil {
			panic(err)
		}
	}
	if err := engine.FinalizeAndPublish(producer); err != nil {
		panic(err)
	}
	buildElapsed := time.Since(start)

	result, err := engine.AcquireAndPushDown(consumer, true)
	if err != nil {
		panic(err)
	}
	if result.Blocked || result.TimedOut {
		fmt.Println("filter never became ready within the wait bound")
		os.Exit(1)
	}

	fmt.Printf("Applied %d predicate(s), covered columns: %v\n", result.AppliedCount, result.CoveredColumns)

	probeRows := rows
	matches := 0
	start = time.Now()
	for i := 0; i < probeRows; i++ {
		candidate := rng.Int63n(int64(rows) * 4)
		canon, err := coltype.Canon(coltype.Int64, candidate)
		if err != nil {
			panic(err)
		}
		row := predicate.Row{"id": canon}
		if predicate.EvaluateResidual(result.Residual, row) {
			matches++
		}
	}
	probeElapsed := time.Since(start)

	insertsPerSec := float64(rows) / buildElapsed.Seconds()
	probesPerSec := float64(probeRows) / probeElapsed.Seconds()

	fmt.Printf("\n--------------------------------------------------\n")
	fmt.Printf("GOMAXPROCS:       %d\n", runtime.GOMAXPROCS(0))
	fmt.Printf("Build:            %v (%.0f inserts/s)\n", buildElapsed, insertsPerSec)
	fmt.Printf("Probe:            %v (%.0f probes/s)\n", probeElapsed, probesPerSec)
	fmt.Printf("Probe pass rate:  %.4f%%\n", 100*float64(matches)/float64(probeRows))
	fmt.Printf("--------------------------------------------------\n")

	engine.Close(consumer)
}
