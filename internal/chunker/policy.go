package chunker

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

// SizePolicy decides how a file is split into chunks. It is a policy object
// rather than a fixed constant because the chunk-size rule has two live
// variants in this fabric: the adaptive tiering used in production and a
// fixed legacy size kept for older deployments. The active variant is chosen
// once at configuration time.
type SizePolicy interface {
	// Plan returns the size, in bytes, of each chunk for a file of the given
	// total size, in sequence order. The sum of the returned sizes always
	// equals fileSize.
	Plan(fileSize int64) []int64
}

// AdaptivePolicy implements the production sizing table:
//
//	size <= 1 GiB         -> 1 chunk of the whole file
//	1 GiB < size <= 5 GiB  -> ceil(size/500MiB) chunks of 500 MiB, last short
//	size > 5 GiB           -> ceil(size/1GiB) chunks of 1 GiB, last short
type AdaptivePolicy struct{}

func (AdaptivePolicy) Plan(fileSize int64) []int64 {
	switch {
	case fileSize <= gib:
		return []int64{fileSize}
	case fileSize <= 5*gib:
		return tileSizes(fileSize, 500*mib)
	default:
		return tileSizes(fileSize, gib)
	}
}

// LegacyPolicy implements the older fixed-size chunking rule, used by
// deployments pinned to the pre-adaptive behavior (spec scenario: a 12 MiB
// upload against a 5 MiB legacy tile yields 3 chunks of 5/5/2 MiB).
type LegacyPolicy struct {
	ChunkSize int64
}

// NewLegacyPolicy returns a LegacyPolicy with the conventional 5 MiB tile.
func NewLegacyPolicy() LegacyPolicy {
	return LegacyPolicy{ChunkSize: 5 * mib}
}

func (p LegacyPolicy) Plan(fileSize int64) []int64 {
	size := p.ChunkSize
	if size <= 0 {
		size = 5 * mib
	}
	return tileSizes(fileSize, size)
}

func tileSizes(fileSize, tile int64) []int64 {
	if fileSize == 0 {
		return nil
	}
	n := fileSize / tile
	rem := fileSize % tile
	count := n
	if rem > 0 {
		count++
	}
	sizes := make([]int64, 0, count)
	for i := int64(0); i < n; i++ {
		sizes = append(sizes, tile)
	}
	if rem > 0 {
		sizes = append(sizes, rem)
	}
	return sizes
}
