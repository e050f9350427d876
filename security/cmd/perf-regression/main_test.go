package main

import (
	"strings"
	"testing"
)

const baselineOut = `goos: linux
BenchmarkVerifyAccessToken-8   	   20000	     50000 ns/op	    4000 B/op	      60 allocs/op
BenchmarkVerifyAccessToken-8   	   20000	     52000 ns/op	    4000 B/op	      60 allocs/op
BenchmarkRefresh-8             	    5000	    200000 ns/op	   16000 B/op	     180 allocs/op
BenchmarkInitiatePassword-8    	     100	  9000000 ns/op
PASS
`

func TestParseKeepsTrackedSamples(t *testing.T) {
	got, err := parse(strings.NewReader(baselineOut), trackedMetrics)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n := len(got["BenchmarkVerifyAccessToken"]["ns/op"]); n != 2 {
		t.Fatalf("expected 2 verify samples, got %d", n)
	}
	if _, ok := got["BenchmarkInitiatePassword"]; ok {
		t.Fatal("untracked benchmark must be ignored")
	}
}

func TestCompare(t *testing.T) {
	tracked := map[string][]string{"BenchmarkVerifyAccessToken": {"ns/op", "allocs/op"}}
	base := samples{"BenchmarkVerifyAccessToken": {"ns/op": {50000, 52000}, "allocs/op": {60}}}

	ok := samples{"BenchmarkVerifyAccessToken": {"ns/op": {55000}, "allocs/op": {60}}}
	deltas, failures := compare(tracked, base, ok, 0.30)
	if len(failures) != 0 || len(deltas) != 2 {
		t.Fatalf("expected no failures, got %v", failures)
	}

	slow := samples{"BenchmarkVerifyAccessToken": {"ns/op": {80000}, "allocs/op": {60}}}
	if _, failures := compare(tracked, base, slow, 0.30); len(failures) != 1 {
		t.Fatalf("expected one regression, got %v", failures)
	}

	if _, failures := compare(tracked, base, samples{}, 0.30); len(failures) != 2 {
		t.Fatalf("expected missing samples to fail, got %v", failures)
	}
}

func TestSelectTracked(t *testing.T) {
	got, err := selectTracked("BenchmarkRefresh")
	if err != nil || len(got) != 1 {
		t.Fatalf("expected single benchmark, got %v, %v", got, err)
	}
	if _, err := selectTracked("BenchmarkNope"); err == nil {
		t.Fatal("expected unknown benchmark to be refused")
	}
}

func TestTrimProcsAndMedian(t *testing.T) {
	if got := trimProcs("BenchmarkRefresh-16"); got != "BenchmarkRefresh" {
		t.Fatalf("trimProcs = %q", got)
	}
	if got := trimProcs("BenchmarkA-B"); got != "BenchmarkA-B" {
		t.Fatalf("trimProcs = %q", got)
	}
	if got := median([]float64{3, 1, 2, 4}); got != 2.5 {
		t.Fatalf("median = %v", got)
	}
}
