package tessera

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// MessageFetcher fetches message pages. *Client implements it.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, chatID string, opts FetchOptions) (*Page[Message], error)
}

// Viewport measures and positions the scrollable message view. The engine
// never renders; it only reads geometry and sets the scroll offset.
type Viewport interface {
	ScrollTop() float64
	SetScrollTop(top float64)
	ScrollHeight() float64
	ViewportHeight() float64
	// EntryTop returns the offset of an entry's top edge from the top of
	// the scrollable content, when the entry is laid out.
	EntryTop(id string) (float64, bool)
}

// ============================================================================
// Configuration
// ============================================================================

// ScrollConfig configures the scroll engine. Zero values select defaults;
// retry and threshold constants are configuration points, not call-site
// literals.
type ScrollConfig struct {
	// TopThreshold is the distance from the top edge, in viewport units,
	// within which an older-page fetch is triggered.
	TopThreshold float64
	// BottomThreshold is the symmetric distance for the newer-page
	// trigger (anchored mode) and for stick-to-bottom detection.
	BottomThreshold float64
	// PageLimit is the page size requested from the fetch service.
	PageLimit int
	// AnchorDistance is how many entries away from the newest loaded
	// message a jump target must be before the view enters anchored mode
	// on the fast path.
	AnchorDistance int

	// Centered-jump retry policy.
	JumpBaseDelay   time.Duration
	JumpMaxDelay    time.Duration
	JumpMaxAttempts int

	// SettleDelays are the re-stick delays after the initial load,
	// absorbing late layout and image-driven height changes. A non-nil
	// empty slice disables re-sticking.
	SettleDelays []time.Duration
}

func (c *ScrollConfig) defaults() {
	if c.TopThreshold == 0 {
		c.TopThreshold = 200
	}
	if c.BottomThreshold == 0 {
		c.BottomThreshold = 200
	}
	if c.PageLimit == 0 {
		c.PageLimit = DefaultPageLimit
	}
	if c.AnchorDistance == 0 {
		c.AnchorDistance = 30
	}
	if c.JumpBaseDelay == 0 {
		c.JumpBaseDelay = 500 * time.Millisecond
	}
	if c.JumpMaxDelay == 0 {
		c.JumpMaxDelay = 5 * time.Second
	}
	if c.JumpMaxAttempts == 0 {
		c.JumpMaxAttempts = 4
	}
	if c.SettleDelays == nil {
		c.SettleDelays = []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}
	}
}

// ViewPhase is the lifecycle phase of a chat view.
type ViewPhase string

const (
	PhaseInitialLoad ViewPhase = "initial_load"
	PhaseSettled     ViewPhase = "settled"
)

var (
	// ErrJumpTargetNotFound is returned when a centered fetch exhausts
	// its retries: the target message does not exist or was deleted.
	ErrJumpTargetNotFound = errors.New("tessera: message not found or deleted")
	// ErrViewClosed is returned from operations on a torn-down view.
	ErrViewClosed = errors.New("tessera: chat view closed")
)

// ============================================================================
// ScrollEngine
// ============================================================================

// ScrollEngine drives pagination for one chat view: it decides when to
// fetch older/newer pages as the user scrolls, preserves the visual scroll
// offset across prepends, sticks to the bottom for new content, and
// implements jump-to-message with an in-cache fast path and a
// centered-fetch fallback.
//
// The engine observes and mutates the shared cache but owns the pagination
// cursors for its view. Fetches in opposite directions may be in flight
// concurrently; they touch disjoint page slots.
type ScrollEngine struct {
	chatID  string
	key     string
	cache   *Cache
	fetcher MessageFetcher
	vp      Viewport
	config  ScrollConfig

	mu       sync.Mutex
	phase    ViewPhase
	ready    bool
	anchored bool
	closed   bool

	hasOlder     bool
	hasNewer     bool
	olderCursor  string
	newerCursor  string
	loadingOlder bool
	loadingNewer bool

	// gen increments on every full sequence replacement; an in-flight
	// fetch that resolves against a stale generation is a no-op.
	gen int

	newContent bool
	originID   string

	jumpCancel context.CancelFunc
}

// NewScrollEngine creates an engine for one chat view. config may be nil
// for defaults.
func NewScrollEngine(chatID string, cache *Cache, fetcher MessageFetcher, vp Viewport, config *ScrollConfig) *ScrollEngine {
	cfg := ScrollConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ScrollEngine{
		chatID:  chatID,
		key:     MessagesKey(chatID),
		cache:   cache,
		fetcher: fetcher,
		vp:      vp,
		config:  cfg,
		phase:   PhaseInitialLoad,
	}
}

// Phase returns the view lifecycle phase.
func (e *ScrollEngine) Phase() ViewPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Ready reports whether the initial load has settled.
func (e *ScrollEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Anchored reports whether the view is centered on a jump target rather
// than the newest end.
func (e *ScrollEngine) Anchored() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anchored
}

// NewContentPending reports the "new content below" affordance: content
// arrived while the user was scrolled away from the bottom.
func (e *ScrollEngine) NewContentPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newContent
}

// OriginID returns the return-to-origin marker, when set.
func (e *ScrollEngine) OriginID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.originID
}

// Close tears the view down. In-flight fetches resolve as no-ops.
func (e *ScrollEngine) Close() {
	e.mu.Lock()
	e.closed = true
	e.gen++
	cancel := e.jumpCancel
	e.jumpCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ============================================================================
// Initial load
// ============================================================================

// Load fetches the newest page, replaces the cached sequence, and forces
// the view to the bottom, re-sticking at short delays to absorb late
// layout changes before marking the view ready.
func (e *ScrollEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrViewClosed
	}
	e.phase = PhaseInitialLoad
	e.ready = false
	gen := e.gen
	e.mu.Unlock()

	page, err := e.fetcher.FetchMessages(ctx, e.chatID, FetchOptions{Limit: e.config.PageLimit})
	if err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	e.mu.Lock()
	if e.closed || e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	myGen := e.gen
	e.anchored = false
	e.originID = ""
	e.newContent = false
	e.hasOlder = page.Meta.HasNext
	e.olderCursor = page.Meta.NextCursor
	e.hasNewer = false
	e.newerCursor = ""
	e.phase = PhaseSettled
	e.mu.Unlock()

	e.cache.Messages.Replace(e.key, []Page[Message]{*page})
	e.stickToBottom()

	delays := e.config.SettleDelays
	if len(delays) == 0 {
		e.mu.Lock()
		e.ready = true
		e.mu.Unlock()
		return nil
	}
	for i, d := range delays {
		final := i == len(delays)-1
		time.AfterFunc(d, func() {
			e.mu.Lock()
			stale := e.closed || e.gen != myGen || e.anchored
			if !stale && final {
				e.ready = true
			}
			e.mu.Unlock()
			if !stale {
				e.stickToBottom()
			}
		})
	}
	return nil
}

// ============================================================================
// Scroll-driven pagination
// ============================================================================

// HandleScroll evaluates the edge triggers for the current scroll
// position. It is called on every scroll event of the view; a fetch that
// failed simply re-arms when the trigger condition re-evaluates here.
func (e *ScrollEngine) HandleScroll(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.phase != PhaseSettled {
		e.mu.Unlock()
		return nil
	}
	nearTop := e.vp.ScrollTop() <= e.config.TopThreshold
	nearBottom := e.nearBottomLocked()
	anchored := e.anchored
	e.mu.Unlock()

	e.updateOriginMarker()

	if nearBottom && !anchored {
		e.ClearNewContent()
	}

	if nearTop {
		if err := e.loadOlder(ctx); err != nil {
			return err
		}
	}
	if nearBottom && anchored {
		if err := e.loadNewer(ctx); err != nil {
			return err
		}
	}
	return nil
}

// loadOlder fetches the next older page and prepends it, adjusting the
// scroll offset by exactly the height delta so the content under the
// viewport stays put.
func (e *ScrollEngine) loadOlder(ctx context.Context) error {
	e.mu.Lock()
	if e.loadingOlder || !e.hasOlder || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.loadingOlder = true
	gen := e.gen
	cursor := e.olderCursor
	e.mu.Unlock()

	heightBefore := e.vp.ScrollHeight()

	page, err := e.fetcher.FetchMessages(ctx, e.chatID, FetchOptions{
		Cursor:    cursor,
		Limit:     e.config.PageLimit,
		Direction: DirectionOlder,
	})

	e.mu.Lock()
	e.loadingOlder = false
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("older page: %w", err)
	}
	if e.closed || e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.hasOlder = page.Meta.HasNext
	e.olderCursor = page.Meta.NextCursor
	e.mu.Unlock()

	e.cache.Messages.PrependOlder(e.key, *page)

	heightAfter := e.vp.ScrollHeight()
	if delta := heightAfter - heightBefore; delta > 0 {
		e.vp.SetScrollTop(e.vp.ScrollTop() + delta)
	}
	return nil
}

// loadNewer fetches the next newer page while anchored.
func (e *ScrollEngine) loadNewer(ctx context.Context) error {
	e.mu.Lock()
	if e.loadingNewer || !e.hasNewer || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.loadingNewer = true
	gen := e.gen
	cursor := e.newerCursor
	e.mu.Unlock()

	page, err := e.fetcher.FetchMessages(ctx, e.chatID, FetchOptions{
		Cursor:    cursor,
		Limit:     e.config.PageLimit,
		Direction: DirectionNewer,
	})

	e.mu.Lock()
	e.loadingNewer = false
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("newer page: %w", err)
	}
	if e.closed || e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.hasNewer = page.Meta.HasPrev
	e.newerCursor = page.Meta.PrevCursor
	if !e.hasNewer {
		// Caught up with the newest end: the view is no longer anchored.
		e.anchored = false
	}
	e.mu.Unlock()

	e.cache.Messages.AppendNewer(e.key, *page)
	return nil
}

// ============================================================================
// Stick-to-bottom
// ============================================================================

// NotifyNewContent is called after the reconciler appended content to this
// view's sequence (a partner message, an own send, a typing indicator
// appearing). When the viewport was at or near the bottom the view sticks
// to the new bottom; otherwise the new-content signal is raised instead of
// yanking the user down.
func (e *ScrollEngine) NotifyNewContent() {
	e.mu.Lock()
	if e.closed || e.anchored {
		e.mu.Unlock()
		return
	}
	if e.nearBottomLocked() {
		e.mu.Unlock()
		e.stickToBottom()
		return
	}
	e.newContent = true
	e.mu.Unlock()
}

// ClearNewContent lowers the new-content signal (the user reached the
// bottom or tapped the affordance).
func (e *ScrollEngine) ClearNewContent() {
	e.mu.Lock()
	e.newContent = false
	e.mu.Unlock()
}

func (e *ScrollEngine) nearBottomLocked() bool {
	return e.vp.ScrollTop()+e.vp.ViewportHeight() >= e.vp.ScrollHeight()-e.config.BottomThreshold
}

func (e *ScrollEngine) stickToBottom() {
	top := e.vp.ScrollHeight() - e.vp.ViewportHeight()
	if top < 0 {
		top = 0
	}
	e.vp.SetScrollTop(top)
}

// ============================================================================
// Jump-to-message
// ============================================================================

// JumpTo scrolls to the target message. When the target is cached the jump
// is local (no network); when it is far from the newest loaded entry the
// view enters anchored mode so scrolling can paginate in both directions.
// Otherwise a single centered fetch replaces the cached sequence, retried
// with bounded exponential backoff; exhausting the retries reports
// ErrJumpTargetNotFound and clears anchor state. A newer JumpTo supersedes
// an unresolved one (last-requested-wins).
//
// originID, when non-empty, records the message the jump started from (a
// reply preview); the marker clears once that origin re-enters the view.
func (e *ScrollEngine) JumpTo(ctx context.Context, targetID, originID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrViewClosed
	}
	// Supersede any jump still retrying.
	if e.jumpCancel != nil {
		e.jumpCancel()
		e.jumpCancel = nil
	}
	e.mu.Unlock()

	if e.cache.Messages.Contains(e.key, targetID) {
		e.mu.Lock()
		if originID != "" {
			e.originID = originID
		}
		if e.distanceFromNewestLocked(targetID) > e.config.AnchorDistance {
			e.anchored = true
		}
		e.mu.Unlock()
		e.scrollToEntry(targetID)
		return nil
	}

	jumpCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.jumpCancel = cancel
	e.mu.Unlock()
	defer cancel()

	page, err := e.centeredFetch(jumpCtx, targetID)
	if err != nil {
		if jumpCtx.Err() != nil {
			// Superseded or torn down: not a failure of this view.
			return nil
		}
		e.mu.Lock()
		e.anchored = false
		e.originID = ""
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJumpTargetNotFound, targetID)
	}

	e.mu.Lock()
	if e.closed || jumpCtx.Err() != nil {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	e.anchored = page.Meta.HasPrev
	e.hasNewer = page.Meta.HasPrev
	e.newerCursor = page.Meta.PrevCursor
	e.hasOlder = page.Meta.HasNext
	e.olderCursor = page.Meta.NextCursor
	e.newContent = false
	if originID != "" {
		e.originID = originID
	}
	e.mu.Unlock()

	// Atomic replace, never a merge: the centered page becomes the whole
	// cached sequence for this chat.
	e.cache.Messages.Replace(e.key, []Page[Message]{*page})
	e.scrollToEntry(targetID)
	return nil
}

// centeredFetch requests the page around targetID, retrying with
// exponential backoff up to the configured attempt cap.
func (e *ScrollEngine) centeredFetch(ctx context.Context, targetID string) (*Page[Message], error) {
	var lastErr error
	delay := e.config.JumpBaseDelay
	for attempt := 0; attempt < e.config.JumpMaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(math.Min(float64(delay)*2, float64(e.config.JumpMaxDelay)))
		}

		page, err := e.fetcher.FetchMessages(ctx, e.chatID, FetchOptions{
			AroundMessageID: targetID,
			Limit:           e.config.PageLimit,
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if len(page.Data) == 0 || !pageContains(page, targetID) {
			lastErr = fmt.Errorf("target %s absent from centered page", targetID)
			continue
		}
		return page, nil
	}
	return nil, lastErr
}

// ReturnToLatest abandons anchored mode: the anchored pages are discarded
// and the newest page is fetched fresh, equivalent to re-running the
// initial load.
func (e *ScrollEngine) ReturnToLatest(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrViewClosed
	}
	if e.jumpCancel != nil {
		e.jumpCancel()
		e.jumpCancel = nil
	}
	e.anchored = false
	e.originID = ""
	e.mu.Unlock()
	return e.Load(ctx)
}

// ============================================================================
// internal
// ============================================================================

// distanceFromNewestLocked counts entries between the target and the
// newest loaded message.
func (e *ScrollEngine) distanceFromNewestLocked(targetID string) int {
	entries := e.cache.Messages.Entries(e.key)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ID == targetID {
			return len(entries) - 1 - i
		}
	}
	return 0
}

// scrollToEntry centers the entry in the viewport when its layout is known.
func (e *ScrollEngine) scrollToEntry(id string) {
	top, ok := e.vp.EntryTop(id)
	if !ok {
		return
	}
	target := top - e.vp.ViewportHeight()/2
	if target < 0 {
		target = 0
	}
	e.vp.SetScrollTop(target)
}

// updateOriginMarker clears the return-to-origin marker once the origin
// message has re-entered the view from the bottom side.
func (e *ScrollEngine) updateOriginMarker() {
	e.mu.Lock()
	id := e.originID
	e.mu.Unlock()
	if id == "" {
		return
	}
	top, ok := e.vp.EntryTop(id)
	if !ok {
		return
	}
	if top < e.vp.ScrollTop()+e.vp.ViewportHeight() {
		e.mu.Lock()
		e.originID = ""
		e.mu.Unlock()
	}
}

func pageContains(page *Page[Message], id string) bool {
	for _, m := range page.Data {
		if m.ID == id {
			return true
		}
	}
	return false
}
