package strategy

import (
	"math"
	"slices"
)

// KMeans groups vectors into at most k clusters and returns the member
// indexes of each non-empty cluster, largest first. Centroids start at evenly
// spaced inputs so the same input always yields the same clusters.
func KMeans(vectors [][]float32, k, iterations int) [][]int {
	n := len(vectors)
	if n == 0 || k <= 0 {
		return nil
	}
	k = min(k, n)
	dim := len(vectors[0])
	points := make([][]float64, n)
	for i, v := range vectors {
		points[i] = normalize(v, dim)
	}

	centroids := make([][]float64, k)
	for c := range centroids {
		centroids[c] = slices.Clone(points[c*n/k])
	}
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < max(iterations, 1); iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := sqDist(p, centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d := range p {
				sums[c][d] += p[d]
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range sums[c] {
				centroids[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}

	clusters := make([][]int, k)
	for i, c := range assign {
		clusters[c] = append(clusters[c], i)
	}
	out := slices.DeleteFunc(clusters, func(members []int) bool { return len(members) == 0 })
	slices.SortStableFunc(out, func(a, b []int) int { return len(b) - len(a) })
	return out
}

func normalize(v []float32, dim int) []float64 {
	out := make([]float64, dim)
	var norm float64
	for i := 0; i < dim && i < len(v); i++ {
		out[i] = float64(v[i])
		norm += out[i] * out[i]
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
