package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/llxisdsh/chm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var cmdRun = &cobra.Command{
	Use:   "run [flags]",
	Short: "Run a mixed workload against a map and verify it",
	Long: `
The "run" command starts --workers goroutines that each perform --ops
operations (or run for --duration) on a shared map. Keys are drawn from a
space of --keys entries. The operation mix is given as weights, for
example "load=80,store=10,delete=5,compute=5".

Compute operations increment a small set of counter keys. After the
workers stop, every counter must hold exactly the number of increments
the workers made, every stored key must map to its own index, and the
estimated size must equal the exact size.

EXIT STATUS
===========

Exit status is 0 if the map passed verification.
Exit status is 1 if the flags were invalid or verification failed.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStress(cmd.Context(), runOptions, cmd.OutOrStdout())
	},
}

// RunOptions bundles all options for the run command.
type RunOptions struct {
	Workers  int
	Keys     int
	Ops      int
	Mix      string
	Presize  int
	Duration time.Duration
	Verbose  bool
}

var runOptions RunOptions

func init() {
	cmdRoot.AddCommand(cmdRun)

	f := cmdRun.Flags()
	f.IntVar(&runOptions.Workers, "workers", 8, "number of concurrent `n` workers")
	f.IntVar(&runOptions.Keys, "keys", 100_000, "size of the key space")
	f.IntVar(&runOptions.Ops, "ops", 1_000_000, "operations per worker, ignored with --duration")
	f.StringVar(&runOptions.Mix, "mix", "load=70,store=15,delete=10,compute=5", "operation weights")
	f.IntVar(&runOptions.Presize, "presize", 0, "expected entry count passed to WithPresize")
	f.DurationVar(&runOptions.Duration, "duration", 0, "run for this long instead of a fixed op count")
	f.BoolVarP(&runOptions.Verbose, "verbose", "v", false, "log resize events")
}

type opKind int

const (
	opLoad opKind = iota
	opStore
	opDelete
	opCompute
	numOps
)

var opNames = [numOps]string{"load", "store", "delete", "compute"}

// opMix maps a random number in [0, total) to an operation.
type opMix struct {
	bounds [numOps]int
	total  int
}

func parseMix(s string) (opMix, error) {
	var m opMix
	var weights [numOps]int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return m, errors.Errorf("invalid mix entry %q, want name=weight", part)
		}
		w, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return m, errors.Wrapf(err, "invalid weight for %q", name)
		}
		if w < 0 {
			return m, errors.Errorf("negative weight for %q", name)
		}
		found := false
		for k, n := range opNames {
			if n == strings.TrimSpace(name) {
				weights[k] = w
				found = true
				break
			}
		}
		if !found {
			return m, errors.Errorf("unknown operation %q", name)
		}
	}
	for k, w := range weights {
		m.total += w
		m.bounds[k] = m.total
	}
	if m.total == 0 {
		return m, errors.New("operation mix has no weight")
	}
	return m, nil
}

func (m opMix) pick(r int) opKind {
	for k, b := range m.bounds {
		if r < b {
			return opKind(k)
		}
	}
	return opLoad
}

const numCounters = 16

func counterKey(i int) string {
	return "ctr-" + strconv.Itoa(i)
}

func entryKey(i int) string {
	return "key-" + strconv.Itoa(i)
}

// workerResult is what a worker knows it did to the map.
type workerResult struct {
	ops        [numOps]int64
	increments [numCounters]int64
}

// RunStress runs the workload described by opts and verifies the map.
func RunStress(ctx context.Context, opts RunOptions, out io.Writer) error {
	if opts.Workers <= 0 || opts.Keys <= 0 {
		return errors.New("--workers and --keys must be positive")
	}
	mix, err := parseMix(opts.Mix)
	if err != nil {
		return err
	}

	logger := log.StandardLogger()
	if opts.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
	m := chm.NewMap[string, int](chm.WithPresize(opts.Presize), chm.WithLogger(logger))

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	results := make([]workerResult, opts.Workers)
	start := time.Now()
	wg, wgCtx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		res := &results[w]
		wg.Go(func() error {
			return runWorker(wgCtx, m, mix, opts, res)
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var total workerResult
	for _, r := range results {
		for k := range r.ops {
			total.ops[k] += r.ops[k]
		}
		for k := range r.increments {
			total.increments[k] += r.increments[k]
		}
	}
	var sum int64
	for _, n := range total.ops {
		sum += n
	}
	log.WithFields(log.Fields{
		"ops":     sum,
		"elapsed": elapsed.Round(time.Millisecond),
		"ops/s":   int64(float64(sum) / elapsed.Seconds()),
	}).Info("workload finished")

	if err := verify(m, opts.Keys, total); err != nil {
		return err
	}

	fmt.Fprintf(out, "ops: ")
	for k, n := range total.ops {
		fmt.Fprintf(out, "%s=%d ", opNames[k], n)
	}
	fmt.Fprintln(out)
	stats := m.Stats()
	fmt.Fprint(out, stats.ToString())
	return nil
}

func runWorker(ctx context.Context, m *chm.Map[string, int], mix opMix, opts RunOptions, res *workerResult) error {
	r := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	for i := 0; opts.Duration > 0 || i < opts.Ops; i++ {
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				if opts.Duration > 0 && errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
		}
		op := mix.pick(r.IntN(mix.total))
		res.ops[op]++
		switch op {
		case opLoad:
			j := r.IntN(opts.Keys)
			if v, ok := m.Load(entryKey(j)); ok && v != j {
				return errors.Errorf("key %d holds %d", j, v)
			}
		case opStore:
			j := r.IntN(opts.Keys)
			m.Store(entryKey(j), j)
		case opDelete:
			j := r.IntN(opts.Keys)
			if v, ok := m.LoadAndDelete(entryKey(j)); ok && v != j {
				return errors.Errorf("deleted key %d held %d", j, v)
			}
		case opCompute:
			c := r.IntN(numCounters)
			m.Compute(counterKey(c), func(old int, loaded bool) (int, chm.ComputeOp) {
				return old + 1, chm.UpdateOp
			})
			res.increments[c]++
		}
	}
	return nil
}

// verify checks the quiescent map against the workers' totals.
func verify(m *chm.Map[string, int], keys int, total workerResult) error {
	var failures []string
	present := 0
	for i := 0; i < keys; i++ {
		v, ok := m.Load(entryKey(i))
		if !ok {
			continue
		}
		present++
		if v != i {
			failures = append(failures, fmt.Sprintf("key %d holds %d", i, v))
		}
	}
	for c := 0; c < numCounters; c++ {
		v, ok := m.Load(counterKey(c))
		want := total.increments[c]
		switch {
		case want == 0 && ok:
			failures = append(failures, fmt.Sprintf("counter %d present without increments", c))
		case want > 0 && int64(v) != want:
			failures = append(failures, fmt.Sprintf("counter %d is %d, want %d", c, v, want))
		}
		if ok {
			present++
		}
	}
	if exact := m.ExactSize(); exact != present {
		failures = append(failures, fmt.Sprintf("ExactSize is %d, %d keys present", exact, present))
	}
	if size := m.Size(); size != present {
		failures = append(failures, fmt.Sprintf("Size is %d, %d keys present", size, present))
	}
	if len(failures) == 0 {
		log.WithField("entries", present).Info("verification passed")
		return nil
	}
	sort.Strings(failures)
	for _, f := range failures {
		log.Error(f)
	}
	return errors.Errorf("verification failed with %d errors", len(failures))
}
