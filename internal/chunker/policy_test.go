package chunker

import "testing"

func sum(sizes []int64) int64 {
	var total int64
	for _, s := range sizes {
		total += s
	}
	return total
}

func TestAdaptivePolicyBoundaries(t *testing.T) {
	p := AdaptivePolicy{}

	t.Run("exactly 1 GiB is one chunk", func(t *testing.T) {
		sizes := p.Plan(gib)
		if len(sizes) != 1 || sizes[0] != gib {
			t.Fatalf("got %v, want [%d]", sizes, gib)
		}
	})

	t.Run("1 GiB plus one byte is two chunks, last is one byte", func(t *testing.T) {
		sizes := p.Plan(gib + 1)
		if len(sizes) != 2 {
			t.Fatalf("got %d chunks, want 2: %v", len(sizes), sizes)
		}
		if sizes[len(sizes)-1] != 1 {
			t.Fatalf("last chunk size = %d, want 1", sizes[len(sizes)-1])
		}
		if sum(sizes) != gib+1 {
			t.Fatalf("sizes do not sum to file size: %v", sizes)
		}
	})

	t.Run("exactly 5 GiB is ten 500 MiB chunks", func(t *testing.T) {
		sizes := p.Plan(5 * gib)
		if len(sizes) != 10 {
			t.Fatalf("got %d chunks, want 10", len(sizes))
		}
		for i, s := range sizes {
			if s != 500*mib {
				t.Fatalf("chunk %d size = %d, want %d", i, s, 500*mib)
			}
		}
	})

	t.Run("above 5 GiB tiles at 1 GiB with a short last chunk", func(t *testing.T) {
		sizes := p.Plan(5*gib + 1)
		if len(sizes) == 0 {
			t.Fatalf("expected at least one chunk")
		}
		if sizes[len(sizes)-1] != 1 {
			t.Fatalf("last chunk size = %d, want 1", sizes[len(sizes)-1])
		}
		if sum(sizes) != 5*gib+1 {
			t.Fatalf("sizes do not sum to file size: %v", sizes)
		}
	})
}

func TestLegacyPolicyFixedTile(t *testing.T) {
	p := NewLegacyPolicy()
	sizes := p.Plan(12 * mib)
	want := []int64{5 * mib, 5 * mib, 2 * mib}
	if len(sizes) != len(want) {
		t.Fatalf("got %d chunks, want %d: %v", len(sizes), len(want), sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk %d = %d, want %d", i, sizes[i], want[i])
		}
	}
}
