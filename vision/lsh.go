package vision

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// LSHBuilder builds bit-sampling locality sensitive hash indexes over binary
// descriptors. Each table hashes KeyBits sampled bit positions; queries probe
// their own bucket and every bucket within ProbeLevel bit flips. Bit positions
// come from a PCG stream seeded with Seed, so identical inputs give identical
// answers. Queries with fewer than two candidates fall back to an exact scan.
type LSHBuilder struct {
	Tables     int
	KeyBits    int
	ProbeLevel int
	Seed       uint64
}

// Validate checks the table layout. descriptorBits of 0 skips the key width
// check against the descriptor size.
func (b LSHBuilder) Validate(descriptorBits int) error {
	if b.Tables <= 0 {
		return fmt.Errorf("lsh: tables must be positive, got %d", b.Tables)
	}
	if b.KeyBits <= 0 || b.KeyBits > 24 {
		return fmt.Errorf("lsh: key bits must be in [1,24], got %d", b.KeyBits)
	}
	if b.ProbeLevel < 0 || b.ProbeLevel > 2 {
		return fmt.Errorf("lsh: probe level must be in [0,2], got %d", b.ProbeLevel)
	}
	if descriptorBits > 0 && b.KeyBits > descriptorBits {
		return fmt.Errorf("lsh: key bits %d exceed descriptor bits %d", b.KeyBits, descriptorBits)
	}
	return nil
}

func (b LSHBuilder) Build(set FeatureSet) (NearestNeighborIndex, error) {
	size, err := set.DescriptorSize()
	if err != nil {
		return nil, err
	}
	if err := b.Validate(size * 8); err != nil {
		return nil, err
	}

	exact := &bruteForceIndex{metric: MetricHamming, size: size, descriptors: descriptorsOf(set)}
	idx := &lshIndex{exact: exact, probeLevel: b.ProbeLevel}
	if size == 0 {
		return idx, nil
	}

	idx.tables = make([]lshTable, b.Tables)
	for t := range idx.tables {
		rng := rand.New(rand.NewPCG(b.Seed, uint64(t)))
		bits := rng.Perm(size * 8)[:b.KeyBits]
		sort.Ints(bits)
		table := lshTable{bits: bits, buckets: make(map[uint32][]int)}
		for i, d := range exact.descriptors {
			key := table.key(d)
			table.buckets[key] = append(table.buckets[key], i)
		}
		idx.tables[t] = table
	}
	return idx, nil
}

type lshTable struct {
	bits    []int
	buckets map[uint32][]int
}

func (t lshTable) key(d Descriptor) uint32 {
	var key uint32
	for i, bit := range t.bits {
		if d[bit>>3]&(1<<(uint(bit)&7)) != 0 {
			key |= 1 << uint(i)
		}
	}
	return key
}

type lshIndex struct {
	exact      *bruteForceIndex
	tables     []lshTable
	probeLevel int
}

func (idx *lshIndex) Len() int            { return idx.exact.Len() }
func (idx *lshIndex) DescriptorSize() int { return idx.exact.DescriptorSize() }

func (idx *lshIndex) NearestTwo(query Descriptor) (Neighbors, bool) {
	if idx.exact.Len() == 0 {
		return Neighbors{}, false
	}

	seen := make(map[int]struct{})
	for _, table := range idx.tables {
		key := table.key(query)
		for _, probe := range probes(key, len(table.bits), idx.probeLevel) {
			for _, i := range table.buckets[probe] {
				seen[i] = struct{}{}
			}
		}
	}

	if len(seen) < 2 {
		return idx.exact.NearestTwo(query)
	}

	candidates := make([]int, 0, len(seen))
	for i := range seen {
		candidates = append(candidates, i)
	}
	sort.Ints(candidates)
	return idx.exact.nearestAmong(query, candidates), true
}

// probes lists key and every key within level bit flips of it.
func probes(key uint32, bits, level int) []uint32 {
	out := []uint32{key}
	if level >= 1 {
		for i := 0; i < bits; i++ {
			out = append(out, key^(1<<uint(i)))
		}
	}
	if level >= 2 {
		for i := 0; i < bits; i++ {
			for j := i + 1; j < bits; j++ {
				out = append(out, key^(1<<uint(i))^(1<<uint(j)))
			}
		}
	}
	return out
}
