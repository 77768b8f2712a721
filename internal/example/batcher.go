package example

import (
	"errors"

	"nnetcore/internal/model"
)

// Batcher groups a stream of examples into merged minibatches of a fixed
// number of examples.
type Batcher struct {
	size     int
	compress bool
	pending  []model.Example
}

func NewBatcher(size int, compress bool) (*Batcher, error) {
	if size <= 0 {
		return nil, errors.New("minibatch size must be > 0")
	}
	return &Batcher{size: size, compress: compress}, nil
}

// Add queues eg and returns a merged minibatch once size examples are queued.
func (b *Batcher) Add(eg model.Example) (model.Example, bool, error) {
	b.pending = append(b.pending, eg)
	if len(b.pending) < b.size {
		return model.Example{}, false, nil
	}
	return b.Flush()
}

// Flush merges whatever is queued, even a partial minibatch.
func (b *Batcher) Flush() (model.Example, bool, error) {
	if len(b.pending) == 0 {
		return model.Example{}, false, nil
	}
	batch := b.pending
	b.pending = nil
	merged, err := Merge(batch, b.compress)
	if err != nil {
		return model.Example{}, false, err
	}
	return merged, true, nil
}

func (b *Batcher) Pending() int {
	return len(b.pending)
}
