package example

import (
	"errors"
	"fmt"
	"sort"

	"nnetcore/internal/matrix"
	"nnetcore/internal/model"
)

var (
	ErrNoExamples    = errors.New("no examples to merge")
	ErrDimMismatch   = errors.New("inconsistent feature dimension")
	ErrAlreadyMerged = errors.New("example is already merged")
	ErrMalformedIO   = errors.New("malformed io block")
)

// featureRef points at one source block that contributes rows to a merged
// block. The merge borrows the features; it never takes ownership.
type featureRef struct {
	source   int
	features matrix.General
}

// ioLayout describes the merged block for one name.
type ioLayout struct {
	name string
	dim  int
	size int
}

// Merge combines examples into one minibatch. Every name present in any input
// gets one output block, ordered by name. Rows keep their source order and
// each source example gets its position in examples as the N of its indexes.
// When compress is set the merged full-matrix features are compressed.
func Merge(examples []model.Example, compress bool) (model.Example, error) {
	if len(examples) == 0 {
		return model.Example{}, ErrNoExamples
	}

	layouts, position := ioNames(examples)
	if err := ioSizes(examples, layouts, position); err != nil {
		return model.Example{}, err
	}
	return mergeIO(examples, layouts, position, compress)
}

func ioNames(examples []model.Example) ([]ioLayout, map[string]int) {
	seen := make(map[string]struct{})
	for _, eg := range examples {
		for _, io := range eg.IO {
			seen[io.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	layouts := make([]ioLayout, len(names))
	position := make(map[string]int, len(names))
	for i, name := range names {
		layouts[i] = ioLayout{name: name, dim: -1}
		position[name] = i
	}
	return layouts, position
}

func ioSizes(examples []model.Example, layouts []ioLayout, position map[string]int) error {
	for e, eg := range examples {
		for _, io := range eg.IO {
			if err := io.Validate(); err != nil {
				return fmt.Errorf("example %d: %v: %w", e, err, ErrMalformedIO)
			}
			// an empty block adds no rows and carries no usable dimension
			if len(io.Indexes) == 0 {
				continue
			}
			l := &layouts[position[io.Name]]
			dim := io.Features.NumCols()
			if l.dim == -1 {
				l.dim = dim
			} else if l.dim != dim {
				return fmt.Errorf("merging examples with feature dims %d vs. %d for %q: %w", l.dim, dim, io.Name, ErrDimMismatch)
			}
			l.size += len(io.Indexes)
		}
	}
	return nil
}

func mergeIO(examples []model.Example, layouts []ioLayout, position map[string]int, compress bool) (model.Example, error) {
	merged := model.Example{IO: make([]model.IO, len(layouts))}
	filled := make([]int, len(layouts))
	refs := make([][]featureRef, len(layouts))
	for f, l := range layouts {
		merged.IO[f] = model.IO{Name: l.name, Indexes: make([]model.Index, l.size)}
	}

	for n, eg := range examples {
		for _, io := range eg.IO {
			f := position[io.Name]
			offset := filled[f]
			dst := merged.IO[f].Indexes[offset : offset+len(io.Indexes)]
			for i, idx := range io.Indexes {
				if idx.N != 0 {
					return model.Example{}, fmt.Errorf("example %d io %q row %d has n=%d: %w", n, io.Name, i, idx.N, ErrAlreadyMerged)
				}
				idx.N = n
				dst[i] = idx
			}
			filled[f] += len(io.Indexes)
			if len(io.Indexes) > 0 {
				refs[f] = append(refs[f], featureRef{source: n, features: io.Features})
			}
		}
	}

	for f := range layouts {
		if len(refs[f]) == 0 {
			continue
		}
		blocks := make([]matrix.General, len(refs[f]))
		sources := make([]int, len(refs[f]))
		for i, ref := range refs[f] {
			blocks[i] = ref.features
			sources[i] = ref.source
		}
		features, err := matrix.AppendRows(blocks)
		if err != nil {
			return model.Example{}, fmt.Errorf("merge features for %q from examples %v: %w", layouts[f].name, sources, err)
		}
		if compress {
			features = features.Compress()
		}
		merged.IO[f].Features = features
	}
	return merged, nil
}
