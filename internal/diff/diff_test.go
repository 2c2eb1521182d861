package diff

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		observed []string
		want     Result
	}{
		{
			name:     "both empty",
			existing: nil,
			observed: nil,
			want:     Result{New: []string{}, StillAlive: []string{}, Missing: []string{}},
		},
		{
			name:     "first scan",
			existing: nil,
			observed: []string{"b.t", "a.t"},
			want:     Result{New: []string{"a.t", "b.t"}, StillAlive: []string{}, Missing: []string{}},
		},
		{
			name:     "everything disappeared",
			existing: []string{"a.t", "b.t"},
			observed: []string{},
			want:     Result{New: []string{}, StillAlive: []string{}, Missing: []string{"a.t", "b.t"}},
		},
		{
			name:     "partial overlap",
			existing: []string{"a.t", "b.t"},
			observed: []string{"b.t", "c.t"},
			want:     Result{New: []string{"c.t"}, StillAlive: []string{"b.t"}, Missing: []string{"a.t"}},
		},
		{
			name:     "duplicates collapse",
			existing: []string{"a.t", "a.t"},
			observed: []string{"a.t", "c.t", "c.t"},
			want:     Result{New: []string{"c.t"}, StillAlive: []string{"a.t"}, Missing: []string{}},
		},
		{
			name:     "identical sets",
			existing: []string{"a.t", "b.t"},
			observed: []string{"b.t", "a.t"},
			want:     Result{New: []string{}, StillAlive: []string{"a.t", "b.t"}, Missing: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.existing, tt.observed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeDoesNotModifyInputs(t *testing.T) {
	existing := []string{"z.t", "a.t"}
	observed := []string{"y.t", "a.t"}

	Compute(existing, observed)

	assert.Equal(t, []string{"z.t", "a.t"}, existing)
	assert.Equal(t, []string{"y.t", "a.t"}, observed)
}

func TestResultEmpty(t *testing.T) {
	assert.True(t, Compute([]string{"a"}, []string{"a"}).Empty())
	assert.False(t, Compute(nil, []string{"a"}).Empty())
	assert.False(t, Compute([]string{"a"}, nil).Empty())
}

func randomSet(r *rand.Rand) []string {
	universe := []string{"a.t", "b.t", "c.t", "d.t", "e.t", "f.t", "g.t", "h.t"}
	var out []string
	for _, u := range universe {
		if r.Intn(2) == 0 {
			out = append(out, u)
		}
	}
	return out
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

// TestComputeSetProperties checks the partition laws over random inputs.
func TestComputeSetProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		a, b := randomSet(r), randomSet(r)
		res := Compute(a, b)
		inA, inB := set(a), set(b)
		newSet, alive, missing := set(res.New), set(res.StillAlive), set(res.Missing)

		for u := range newSet {
			assert.True(t, inB[u] && !inA[u], "new %s must be in B only", u)
			assert.False(t, alive[u] || missing[u], "new %s overlaps another class", u)
		}
		for u := range alive {
			assert.True(t, inA[u] && inB[u], "alive %s must be in both", u)
			assert.False(t, missing[u], "alive %s overlaps missing", u)
		}
		for u := range missing {
			assert.True(t, inA[u] && !inB[u], "missing %s must be in A only", u)
		}

		// every element of A ∪ B is classified
		assert.Equal(t, len(set(append(append([]string{}, a...), b...))), len(newSet)+len(alive)+len(missing))

		assert.True(t, sort.StringsAreSorted(res.New))
		assert.True(t, sort.StringsAreSorted(res.StillAlive))
		assert.True(t, sort.StringsAreSorted(res.Missing))
	}
}
