package provider

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

// HashEmbedder is a local bag-of-words embedder: every word is hashed into
// one of dim buckets and the counts are L2-normalized. It needs no network,
// so texts sharing words land close together even with no provider
// configured.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, h.dim)
	for _, w := range Words(text) {
		f := fnv.New32a()
		f.Write([]byte(w))
		v[int(f.Sum32()%uint32(h.dim))]++
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, Rejected("hash embed", "no words in input")
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

func (h *HashEmbedder) Probe(context.Context) error { return nil }

// Words lowercases text and splits it on anything that is not a letter or digit.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// stopWords are skipped by the local analyzer.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"but": true, "by": true, "for": true, "from": true, "has": true, "have": true, "i": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "we": true, "with": true, "you": true,
}

// LocalSummarizer derives a summary from the first sentence and keywords from
// word frequency. It is the offline counterpart of the model-backed
// summarizers.
type LocalSummarizer struct{}

func (LocalSummarizer) Summarize(_ context.Context, text string) (Analysis, error) {
	text = strings.TrimSpace(text)
	summary := text
	if i := strings.IndexAny(text, ".!?\n"); i > 0 {
		summary = text[:i+1]
	}
	if r := []rune(summary); len(r) > 200 {
		summary = string(r[:200]) + "..."
	}

	counts := map[string]int{}
	for _, w := range Words(text) {
		if len([]rune(w)) < 3 || stopWords[w] {
			continue
		}
		counts[w]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > MaxKeywords {
		words = words[:MaxKeywords]
	}
	var kws []Keyword
	if len(words) > 0 {
		top := float64(counts[words[0]])
		for _, w := range words {
			kws = append(kws, Keyword{Word: w, Weight: float64(counts[w]) / top})
		}
	}
	return Analysis{Summary: summary, Keywords: kws}, nil
}
