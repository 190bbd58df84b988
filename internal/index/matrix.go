package index

import (
	"math"
	"sort"
)

// l2Normalize scales the vector to unit length in place so cosine similarity
// reduces to an inner product. Zero vectors stay zero.
func l2Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// dot computes the inner product. Over normalized vectors it is the cosine.
func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// scored pairs a candidate index with its similarity.
type scored struct {
	idx   int
	score float64
}

// topK returns the k best candidates by score. Ties break by the caller's
// less function, which must impose the lexicographic order the API promises.
func topK(scores []scored, k int, less func(i, j int) bool) []scored {
	sort.Slice(scores, func(a, b int) bool {
		if scores[a].score != scores[b].score {
			return scores[a].score > scores[b].score
		}
		return less(scores[a].idx, scores[b].idx)
	})
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k]
}

// tagsOverlap reports whether any query tag appears in the candidate's tags.
func tagsOverlap(queryTags, candidateTags []string) bool {
	if len(queryTags) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(candidateTags))
	for _, t := range candidateTags {
		set[t] = struct{}{}
	}
	for _, t := range queryTags {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
