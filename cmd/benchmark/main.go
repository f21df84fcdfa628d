package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"catrec/internal/adapter/ann"
	"catrec/internal/domain"
)

func main() {
	n := flag.Int("n", 20000, "Number of indexed vectors")
	dim := flag.Int("dim", 256, "Vector dimension")
	clusters := flag.Int("clusters", 200, "Number of synthetic topic clusters")
	queries := flag.Int("queries", 200, "Number of queries")
	topK := flag.Int("k", 20, "Neighbours per query")
	efList := flag.String("ef", "20,50,100,200", "Comma-separated ef_search values")
	m := flag.Int("m", 16, "HNSW links per node")
	efc := flag.Int("efc", 200, "HNSW ef_construction")
	seed := flag.Int64("seed", 42, "Random seed")
	flag.Parse()

	efs, err := parseInts(*efList)
	if err != nil || *n <= 0 || *dim <= 0 || *clusters <= 0 {
		fmt.Println("Usage: go run cmd/benchmark/main.go -n 20000 -dim 256 -k 20 -ef 20,50,100")
		fmt.Println("\nMeasures:")
		fmt.Println("  1. HNSW build time for n vectors")
		fmt.Println("  2. Recall@k of approximate search against an exact scan")
		fmt.Println("  3. p50/p95 latency of approximate and exact search")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	centers := make([]domain.Vector, *clusters)
	for i := range centers {
		centers[i] = randomUnit(rng, *dim, nil, 0)
	}

	fmt.Println("ANN RECALL BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Vectors: %d  Dimension: %d  Clusters: %d\n", *n, *dim, *clusters)
	fmt.Printf("HNSW: M=%d ef_construction=%d seed=%d\n", *m, *efc, *seed)
	fmt.Println()

	idx := ann.NewHNSW(ann.Options{Algorithm: "hnsw", M: *m, EfConstruction: *efc, Seed: *seed})
	start := time.Now()
	for i := 0; i < *n; i++ {
		idx.Add(randomUnit(rng, *dim, centers[i%*clusters], 0.35))
	}
	build := time.Since(start)
	fmt.Printf("Build: %s (%.0f vectors/s)\n\n", build.Round(time.Millisecond), float64(*n)/build.Seconds())

	qs := make([]domain.Vector, *queries)
	for i := range qs {
		qs[i] = randomUnit(rng, *dim, centers[rng.Intn(*clusters)], 0.35)
	}

	fmt.Printf("%-8s %-12s %-12s %-12s %-12s %-12s %-12s\n", "ef", "recall@k", "min recall", "approx p50", "approx p95", "exact p50", "exact p95")
	fmt.Println(strings.Repeat("-", 86))
	for _, ef := range efs {
		rep := ann.MeasureRecall(idx, qs, *topK, ef)
		fmt.Printf("%-8d %-12.4f %-12.4f %-12s %-12s %-12s %-12s\n",
			ef, rep.MeanRecall, rep.MinRecall,
			rep.ApproxP50, rep.ApproxP95, rep.ExactP50, rep.ExactP95)
	}
}

// randomUnit returns a unit vector near center (or uniformly random when
// center is nil). noise scales the random offset.
func randomUnit(rng *rand.Rand, dim int, center domain.Vector, noise float64) domain.Vector {
	v := make(domain.Vector, dim)
	var norm float64
	for i := range v {
		x := rng.NormFloat64()
		if center != nil {
			x = float64(center[i]) + noise*x/math.Sqrt(float64(dim))
		}
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid ef %q", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no ef values")
	}
	return out, nil
}
