// Command perf-regression compares two `go test -bench` outputs and exits non-zero
// when a tracked engine benchmark got slower than the allowed ratio.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

const defaultThreshold = 0.30

// trackedMetrics lists the engine benchmarks in auth_bench_test.go guarded
// against regressions. Sign-in is dominated by argon2 and is not tracked.
var trackedMetrics = map[string][]string{
	"BenchmarkVerifyAccessToken": {"ns/op", "allocs/op"},
	"BenchmarkExchangeAuthCode":  {"ns/op", "allocs/op"},
	"BenchmarkRefresh":           {"ns/op"},
}

// samples maps benchmark name to unit to every observed value (-count runs).
type samples map[string]map[string][]float64

type delta struct {
	benchmark string
	unit      string
	baseline  float64
	candidate float64
}

func (d delta) ratio() float64 { return (d.candidate - d.baseline) / d.baseline }

func main() {
	var (
		baselinePath  = flag.String("baseline", "", "path to baseline benchmark output")
		candidatePath = flag.String("candidate", "", "path to candidate benchmark output")
		threshold     = flag.Float64("threshold", defaultThreshold, "maximum allowed regression ratio (0.30 = +30%)")
		only          = flag.String("bench", "", "comma-separated subset of tracked benchmarks")
	)
	flag.Parse()

	if *baselinePath == "" || *candidatePath == "" {
		fmt.Fprintln(os.Stderr, "-baseline and -candidate are required")
		os.Exit(2)
	}
	if *threshold < 0 {
		fmt.Fprintln(os.Stderr, "-threshold must be >= 0")
		os.Exit(2)
	}
	tracked, err := selectTracked(*only)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	baseline, err := parseFile(*baselinePath, tracked)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse baseline: %v\n", err)
		os.Exit(1)
	}
	candidate, err := parseFile(*candidatePath, tracked)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse candidate: %v\n", err)
		os.Exit(1)
	}

	deltas, failures := compare(tracked, baseline, candidate, *threshold)
	fmt.Println("benchmark unit baseline candidate delta")
	for _, d := range deltas {
		fmt.Printf("%s %s %.3f %.3f %+0.2f%%\n", d.benchmark, d.unit, d.baseline, d.candidate, d.ratio()*100)
	}
	if len(failures) > 0 {
		fmt.Fprintln(os.Stderr, "performance regression threshold exceeded:")
		for _, f := range failures {
			fmt.Fprintf(os.Stderr, "  - %s\n", f)
		}
		os.Exit(1)
	}
}

func selectTracked(only string) (map[string][]string, error) {
	if strings.TrimSpace(only) == "" {
		return trackedMetrics, nil
	}
	out := map[string][]string{}
	for _, name := range strings.Split(only, ",") {
		name = strings.TrimSpace(name)
		units, ok := trackedMetrics[name]
		if !ok {
			return nil, fmt.Errorf("-bench: %s is not tracked", name)
		}
		out[name] = units
	}
	return out, nil
}

// compare returns the median deltas in a stable order and a message for each
// missing sample or regression beyond threshold.
func compare(tracked map[string][]string, baseline, candidate samples, threshold float64) ([]delta, []string) {
	names := make([]string, 0, len(tracked))
	for name := range tracked {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		deltas   []delta
		failures []string
	)
	for _, name := range names {
		for _, unit := range tracked[name] {
			base, cand := baseline[name][unit], candidate[name][unit]
			if len(base) == 0 || len(cand) == 0 {
				failures = append(failures, fmt.Sprintf("missing samples for %s %s", name, unit))
				continue
			}
			d := delta{benchmark: name, unit: unit, baseline: median(base), candidate: median(cand)}
			if d.baseline <= 0 {
				failures = append(failures, fmt.Sprintf("invalid baseline median for %s %s", name, unit))
				continue
			}
			deltas = append(deltas, d)
			if d.ratio() > threshold {
				failures = append(failures, fmt.Sprintf("%s %s regressed by %+0.2f%% (limit %+0.2f%%)", name, unit, d.ratio()*100, threshold*100))
			}
		}
	}
	return deltas, failures
}

func parseFile(path string, tracked map[string][]string) (samples, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f, tracked)
}

// parse reads lines like "BenchmarkRefresh-8  1000  52341 ns/op  912 B/op  14 allocs/op".
func parse(r io.Reader, tracked map[string][]string) (samples, error) {
	out := samples{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || !strings.HasPrefix(fields[0], "Benchmark") {
			continue
		}
		name := trimProcs(fields[0])
		if _, ok := tracked[name]; !ok {
			continue
		}
		if out[name] == nil {
			out[name] = map[string][]float64{}
		}
		for i := 2; i+1 < len(fields); i += 2 {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				continue
			}
			out[name][fields[i+1]] = append(out[name][fields[i+1]], v)
		}
	}
	return out, scanner.Err()
}

// trimProcs drops the -GOMAXPROCS suffix.
func trimProcs(raw string) string {
	if i := strings.LastIndexByte(raw, '-'); i > 0 {
		if _, err := strconv.Atoi(raw[i+1:]); err == nil {
			return raw[:i]
		}
	}
	return raw
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
