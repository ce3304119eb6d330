package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/docproc-dashboard/backend/internal/extraction"
	"github.com/docproc-dashboard/backend/internal/models"
)

// Call records one request received by FakeExtractor.
type Call struct {
	Track    models.Track
	FileName string
	Content  string
}

// FakeExtractor is a scriptable extraction service. Responses are returned
// immediately unless the track is held, in which case calls block until
// Release is called for that track.
type FakeExtractor struct {
	mu       sync.Mutex
	calls    []Call
	held     map[models.Track]chan struct{}
	started  chan models.Track
	Fields   *models.FieldsResult
	Products *models.ProductsResult
	Err      error
	Panic    any
}

// NewFakeExtractor returns a fake answering with fields and products.
func NewFakeExtractor(fields *models.FieldsResult, products *models.ProductsResult) *FakeExtractor {
	return &FakeExtractor{
		Fields:   fields,
		Products: products,
		held:     make(map[models.Track]chan struct{}),
		started:  make(chan models.Track, 16),
	}
}

// Hold makes the next calls on track block until Release.
func (f *FakeExtractor) Hold(track models.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[track] = make(chan struct{})
}

// Release unblocks calls waiting on track.
func (f *FakeExtractor) Release(track models.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.held[track]; ok {
		close(ch)
		delete(f.held, track)
	}
}

// Started delivers the track of every call once its document was read.
func (f *FakeExtractor) Started() <-chan models.Track {
	return f.started
}

// Calls returns the requests received so far.
func (f *FakeExtractor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *FakeExtractor) ExtractFields(ctx context.Context, doc extraction.Document) (*models.FieldsResult, error) {
	if err := f.serve(ctx, models.TrackFields, doc); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Fields, nil
}

func (f *FakeExtractor) ExtractProducts(ctx context.Context, doc extraction.Document) (*models.ProductsResult, error) {
	if err := f.serve(ctx, models.TrackProducts, doc); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Products, nil
}

func (f *FakeExtractor) serve(ctx context.Context, track models.Track, doc extraction.Document) error {
	var content []byte
	if doc.Content != nil {
		content, _ = io.ReadAll(doc.Content)
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Track: track, FileName: doc.Name, Content: string(content)})
	wait := f.held[track]
	err, panicValue := f.Err, f.Panic
	f.mu.Unlock()

	select {
	case f.started <- track:
	default:
	}
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if panicValue != nil {
		panic(panicValue)
	}
	return err
}

// SetErr changes the error returned by later calls.
func (f *FakeExtractor) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}
