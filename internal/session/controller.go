package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docproc-dashboard/backend/internal/extraction"
	"github.com/docproc-dashboard/backend/internal/models"
	"github.com/docproc-dashboard/backend/internal/upload"
)

var (
	// ErrNoFileSelected is returned by an extract action without a candidate file.
	ErrNoFileSelected = errors.New("Please select a file first")
	// ErrTrackBusy is returned when the track already has a request outstanding.
	ErrTrackBusy = errors.New("extraction already in progress")
	// ErrStaleResponse is returned when a response arrives after the session
	// moved on (reset, new selection or close). The response is discarded.
	ErrStaleResponse = errors.New("extraction response discarded: session changed")
	// ErrUnknownProduct is returned when toggling a row that is not displayed.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrSessionClosed is returned for intents sent to a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Candidate is a file offered for selection. Size is the declared size,
// negative when unknown. The stored size is checked again once written.
type Candidate struct {
	Name    string
	Size    int64
	Content io.Reader
}

// Extractor is the remote extraction service.
type Extractor interface {
	ExtractFields(ctx context.Context, doc extraction.Document) (*models.FieldsResult, error)
	ExtractProducts(ctx context.Context, doc extraction.Document) (*models.ProductsResult, error)
}

// FileStore holds the bytes of selected files.
type FileStore interface {
	Save(name string, r io.Reader) (*models.FileInfo, error)
	Open(id string) (io.ReadCloser, error)
	Delete(id string) error
}

// PolicySource provides the upload policy in force at selection time.
type PolicySource interface {
	Get() upload.Policy
}

// Presenter receives every state transition and alert of a session.
type Presenter interface {
	SnapshotChanged(snap models.Snapshot)
	Alert(n models.Notification)
}

type nopPresenter struct{}

func (nopPresenter) SnapshotChanged(models.Snapshot) {}
func (nopPresenter) Alert(models.Notification)       {}

type trackState struct {
	status models.TrackStatus
	token  uint64 // request currently owning the track, 0 when none
}

// request tags one outstanding extraction with the state it was issued for.
type request struct {
	token      uint64
	generation uint64
	file       models.FileInfo
}

// Controller owns one upload session: the selected file, per-track request
// state, the last results and the single error slot. Intents are applied
// one at a time; extraction I/O runs without holding the lock.
type Controller struct {
	id        string
	files     FileStore
	extractor Extractor
	policy    PolicySource
	presenter Presenter
	logger    *slog.Logger

	mu         sync.Mutex
	generation uint64
	seq        uint64
	revision   uint64
	file       *models.FileInfo
	errMsg     *string
	fields     *models.FieldsResult
	products   *models.ProductsResult
	tracks     map[models.Track]*trackState
	expanded   map[string]bool
	lastActive time.Time
	closed     bool
}

// ControllerConfig holds the collaborators of a Controller.
type ControllerConfig struct {
	Files     FileStore
	Extractor Extractor
	Policy    PolicySource
	Presenter Presenter
	Logger    *slog.Logger
}

// NewController creates an idle session.
func NewController(id string, cfg ControllerConfig) *Controller {
	c := &Controller{
		id:         id,
		files:      cfg.Files,
		extractor:  cfg.Extractor,
		policy:     cfg.Policy,
		presenter:  cfg.Presenter,
		logger:     cfg.Logger,
		tracks:     make(map[models.Track]*trackState, 2),
		expanded:   make(map[string]bool),
		lastActive: time.Now(),
	}
	if c.presenter == nil {
		c.presenter = nopPresenter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.policy == nil {
		c.policy = upload.NewPolicyStore(upload.DefaultPolicy())
	}
	c.logger = c.logger.With("session_id", id)
	for _, t := range []models.Track{models.TrackFields, models.TrackProducts} {
		c.tracks[t] = &trackState{status: models.TrackStatusIdle}
	}
	return c
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// SetPresenter replaces the presenter. nil detaches it.
func (c *Controller) SetPresenter(p Presenter) {
	if p == nil {
		p = nopPresenter{}
	}
	c.mu.Lock()
	c.presenter = p
	c.mu.Unlock()
}

// LastActive returns the time of the last intent.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Touch marks the session as in use.
func (c *Controller) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Busy reports whether any track has a request outstanding.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SelectFile validates and stores cand as the session's file. A nil
// candidate clears the selection. A rejected candidate clears the current
// file as well, sets the session error and returns *upload.ValidationError.
func (c *Controller) SelectFile(ctx context.Context, cand *Candidate) error {
	if cand == nil {
		return c.clear("deselect")
	}

	policy := c.policy.Get()
	outcome := policy.Validate(upload.FileMeta{Name: cand.Name, Size: max(cand.Size, 0)})
	if !outcome.Accepted {
		c.logger.Info("session.select.rejected", "file", cand.Name, "size", cand.Size, "reason", outcome.Reason)
		return c.reject(outcome.Reason)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// at most one byte past the limit is written
	stored, err := c.files.Save(cand.Name, io.LimitReader(cand.Content, policy.MaxSizeBytes+1))
	if err != nil {
		c.logger.Error("session.select.store_error", "file", cand.Name, "error", err)
		return fmt.Errorf("storing file: %w", err)
	}
	if outcome = policy.Validate(upload.FileMeta{Name: cand.Name, Size: stored.Size}); !outcome.Accepted {
		c.deleteFile(stored.ID)
		c.logger.Info("session.select.rejected", "file", cand.Name, "size", stored.Size, "reason", outcome.Reason)
		return c.reject(outcome.Reason)
	}

	info := *stored
	info.Extension = outcome.Extension

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deleteFile(info.ID)
		return ErrSessionClosed
	}
	previous := c.file
	c.advanceLocked()
	c.file = &info
	snap, presenter := c.transitionLocked()
	c.mu.Unlock()

	if previous != nil {
		c.deleteFile(previous.ID)
	}
	c.logger.Info("session.select.accepted", "file_id", info.ID, "file", info.Name, "size", info.Size)
	presenter.SnapshotChanged(snap)
	return nil
}

func (c *Controller) reject(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	previous := c.file
	c.advanceLocked()
	c.errMsg = &reason
	snap, presenter := c.transitionLocked()
	c.mu.Unlock()

	if previous != nil {
		c.deleteFile(previous.ID)
	}
	presenter.SnapshotChanged(snap)
	return &upload.ValidationError{Reason: reason}
}

// Reset clears the file, both results and the error, and forces both
// tracks back to idle. Outstanding responses are discarded on arrival.
func (c *Controller) Reset() error {
	return c.clear("reset")
}

func (c *Controller) clear(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	previous := c.file
	c.advanceLocked()
	generation := c.generation
	snap, presenter := c.transitionLocked()
	c.mu.Unlock()

	if previous != nil {
		c.deleteFile(previous.ID)
	}
	c.logger.Info("session."+reason, "generation", generation)
	presenter.SnapshotChanged(snap)
	return nil
}

// Close resets the session and detaches the presenter. Later intents
// return ErrSessionClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	previous := c.file
	c.advanceLocked()
	c.closed = true
	c.presenter = nopPresenter{}
	c.mu.Unlock()

	if previous != nil {
		c.deleteFile(previous.ID)
	}
	c.logger.Info("session.closed")
}

// ExtractFields sends the selected file to the fields endpoint and stores
// the result. It blocks until the response arrives.
func (c *Controller) ExtractFields(ctx context.Context) error {
	return c.extract(ctx, models.TrackFields)
}

// ExtractProducts sends the selected file to the supplier endpoint and
// stores the result. It blocks until the response arrives.
func (c *Controller) ExtractProducts(ctx context.Context) error {
	return c.extract(ctx, models.TrackProducts)
}

func (c *Controller) extract(ctx context.Context, track models.Track) (err error) {
	req, err := c.begin(track)
	if err != nil {
		return err
	}

	var (
		payload any
		callErr error
	)
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			callErr = extraction.Normalize(0, nil, fmt.Errorf("extraction panicked: %v", r))
		}
		err = c.finish(track, req, payload, callErr)
	}()

	payload, callErr = c.invoke(context.WithoutCancel(ctx), track, req)
	return nil
}

// begin checks the preconditions and marks the track as requesting.
func (c *Controller) begin(track models.Track) (request, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return request{}, ErrSessionClosed
	}
	c.lastActive = time.Now()

	if c.file == nil {
		msg := ErrNoFileSelected.Error()
		c.errMsg = &msg
		snap, presenter := c.transitionLocked()
		c.mu.Unlock()
		presenter.SnapshotChanged(snap)
		return request{}, ErrNoFileSelected
	}

	t := c.tracks[track]
	if t.status == models.TrackStatusRequesting {
		c.mu.Unlock()
		c.logger.Info("session.extract.ignored", "track", track, "reason", "busy")
		return request{}, ErrTrackBusy
	}

	c.seq++
	req := request{token: c.seq, generation: c.generation, file: *c.file}
	t.status = models.TrackStatusRequesting
	t.token = req.token
	c.errMsg = nil
	snap, presenter := c.transitionLocked()
	c.mu.Unlock()

	c.logger.Info("session.extract.start", "track", track, "file_id", req.file.ID, "generation", req.generation)
	presenter.SnapshotChanged(snap)
	return req, nil
}

func (c *Controller) invoke(ctx context.Context, track models.Track, req request) (any, error) {
	rc, err := c.files.Open(req.file.ID)
	if err != nil {
		return nil, extraction.Normalize(0, nil, err)
	}
	defer rc.Close()

	doc := extraction.Document{Name: req.file.Name, Content: rc}
	if track == models.TrackFields {
		return c.extractor.ExtractFields(ctx, doc)
	}
	return c.extractor.ExtractProducts(ctx, doc)
}

// finish applies a completion. It always releases the track when the
// request still owns it, and discards the payload otherwise.
func (c *Controller) finish(track models.Track, req request, payload any, callErr error) error {
	c.mu.Lock()
	t := c.tracks[track]
	if c.closed || t.token != req.token || c.generation != req.generation {
		c.mu.Unlock()
		c.logger.Info("session.extract.stale", "track", track, "file_id", req.file.ID,
			"generation", req.generation)
		return ErrStaleResponse
	}
	t.token = 0

	var note models.Notification
	if callErr == nil && isNilPayload(payload) {
		callErr = extraction.Normalize(0, nil, nil)
	}
	if callErr != nil {
		msg := displayError(callErr)
		c.errMsg = &msg
		t.status = models.TrackStatusFailed
		note = models.Notification{
			SessionID: c.id,
			Title:     trackTitle(track) + " extraction failed",
			Subtitle:  msg,
			Severity:  models.SeverityError,
		}
	} else {
		switch track {
		case models.TrackFields:
			c.fields = payload.(*models.FieldsResult)
		case models.TrackProducts:
			c.products = payload.(*models.ProductsResult)
			c.expanded = make(map[string]bool)
		}
		t.status = models.TrackStatusCompleted
		note = models.Notification{
			SessionID: c.id,
			Title:     trackTitle(track) + " extracted",
			Subtitle:  req.file.Name,
			Severity:  models.SeveritySuccess,
		}
	}
	snap, presenter := c.transitionLocked()
	c.mu.Unlock()

	if callErr != nil {
		c.logger.Warn("session.extract.failed", "track", track, "file_id", req.file.ID, "error", note.Subtitle)
	} else {
		c.logger.Info("session.extract.completed", "track", track, "file_id", req.file.ID)
	}
	presenter.SnapshotChanged(snap)
	presenter.Alert(note)
	return callErr
}

// ToggleProduct flips the expansion state of the product row with key.
func (c *Controller) ToggleProduct(key string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrSessionClosed
	}
	known := false
	for _, k := range c.products.Keys() {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		c.mu.Unlock()
		return false, ErrUnknownProduct
	}
	c.lastActive = time.Now()
	if c.expanded[key] {
		delete(c.expanded, key)
	} else {
		c.expanded[key] = true
	}
	open := c.expanded[key]
	snap, presenter := c.transitionLocked()
	c.mu.Unlock()

	presenter.SnapshotChanged(snap)
	return open, nil
}

// advanceLocked starts a new generation: file, results, error and
// expansion state are cleared and both tracks return to idle.
func (c *Controller) advanceLocked() {
	c.generation++
	c.lastActive = time.Now()
	c.file = nil
	c.errMsg = nil
	c.fields = nil
	c.products = nil
	c.expanded = make(map[string]bool)
	for _, t := range c.tracks {
		t.status = models.TrackStatusIdle
		t.token = 0
	}
}

func (c *Controller) busyLocked() bool {
	for _, t := range c.tracks {
		if t.status == models.TrackStatusRequesting {
			return true
		}
	}
	return false
}

// transitionLocked records a state change and returns what to publish
// once the lock is released.
func (c *Controller) transitionLocked() (models.Snapshot, Presenter) {
	c.revision++
	return c.snapshotLocked(), c.presenter
}

func (c *Controller) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{
		SessionID:        c.id,
		Revision:         c.revision,
		FieldsResult:     c.fields,
		ProductsResult:   c.products,
		FieldsStatus:     c.tracks[models.TrackFields].status,
		ProductsStatus:   c.tracks[models.TrackProducts].status,
		ExpandedProducts: make([]string, 0, len(c.expanded)),
	}
	snap.FieldsBusy = snap.FieldsStatus == models.TrackStatusRequesting
	snap.ProductsBusy = snap.ProductsStatus == models.TrackStatusRequesting
	snap.IsBusy = snap.FieldsBusy || snap.ProductsBusy
	if c.file != nil {
		f := *c.file
		snap.SelectedFile = &f
	}
	if c.errMsg != nil {
		msg := *c.errMsg
		snap.Error = &msg
	}
	for key := range c.expanded {
		snap.ExpandedProducts = append(snap.ExpandedProducts, key)
	}
	sort.Strings(snap.ExpandedProducts)
	return snap
}

func (c *Controller) deleteFile(id string) {
	if err := c.files.Delete(id); err != nil {
		c.logger.Warn("session.file.delete_error", "file_id", id, "error", err)
	}
}

func displayError(err error) string {
	var reqErr *extraction.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Display()
	}
	if err.Error() == "" {
		return extraction.UnknownErrorMessage
	}
	return err.Error()
}

func isNilPayload(p any) bool {
	switch v := p.(type) {
	case *models.FieldsResult:
		return v == nil
	case *models.ProductsResult:
		return v == nil
	}
	return p == nil
}

func trackTitle(track models.Track) string {
	if track == models.TrackProducts {
		return "Products & suppliers"
	}
	return "Fields"
}
