package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// newRBF solves Φw = v for the sample values and returns f(p) = Σ w_i φ(|p - p_i|).
func newRBF(method Method, samples []SamplePoint) (evaluator, error) {
	pts := mergeCoincident(samples)
	if len(pts) == 1 {
		v := pts[0].Value
		return func(_, _ float64) float64 { return v }, nil
	}

	kernel := rbfKernel(method, rbfEpsilon(pts))

	n := len(pts)
	phi := mat.NewDense(n, n, nil)
	values := mat.NewVecDense(n, nil)
	for i := range pts {
		for j := range pts {
			phi.Set(i, j, kernel(math.Hypot(pts[i].X-pts[j].X, pts[i].Y-pts[j].Y)))
		}
		values.SetVec(i, pts[i].Value)
	}

	var w mat.VecDense
	if err := w.SolveVec(phi, values); err != nil {
		// An ill-conditioned system still yields a usable solution; only a
		// singular one is rejected.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("%w: %s system for %d samples is singular: %v", ErrInsufficientData, method, n, err)
		}
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = w.AtVec(i)
		if !isFinite(weights[i]) {
			return nil, fmt.Errorf("%w: %s system for %d samples has no finite solution", ErrInsufficientData, method, n)
		}
	}

	return func(x, y float64) float64 {
		var sum float64
		for i, p := range pts {
			sum += weights[i] * kernel(math.Hypot(x-p.X, y-p.Y))
		}
		return sum
	}, nil
}

func rbfKernel(method Method, eps float64) func(r float64) float64 {
	if method == MethodKriging {
		return func(r float64) float64 {
			q := r / eps
			return math.Exp(-q * q)
		}
	}
	return func(r float64) float64 { return r }
}

// rbfEpsilon is the average node spacing: (product of non-zero bbox edges / N)^(1/edges).
func rbfEpsilon(pts []SamplePoint) float64 {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
	}
	var edges []float64
	for _, e := range []float64{floats.Max(xs) - floats.Min(xs), floats.Max(ys) - floats.Min(ys)} {
		if e != 0 {
			edges = append(edges, e)
		}
	}
	if len(edges) == 0 {
		return 1
	}
	return math.Pow(floats.Prod(edges)/float64(len(pts)), 1/float64(len(edges)))
}

// mergeCoincident averages samples sharing a location so the RBF matrix stays
// non-singular. Output order is deterministic.
func mergeCoincident(samples []SamplePoint) []SamplePoint {
	type key struct{ x, y float64 }
	sums := make(map[key]float64, len(samples))
	counts := make(map[key]int, len(samples))
	order := make([]key, 0, len(samples))
	for _, s := range samples {
		k := key{s.X, s.Y}
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		sums[k] += s.Value
		counts[k]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].x != order[j].x {
			return order[i].x < order[j].x
		}
		return order[i].y < order[j].y
	})
	out := make([]SamplePoint, len(order))
	for i, k := range order {
		out[i] = SamplePoint{X: k.x, Y: k.y, Value: sums[k] / float64(counts[k])}
	}
	return out
}
