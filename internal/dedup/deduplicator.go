package dedup

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/pkg/logger"
)

// Config tunes the deduplication window and fuzzy matching.
type Config struct {
	Window              time.Duration
	FuzzyEnabled        bool
	SimilarityThreshold float64
	// KeyFields is the ordered list of record fields concatenated into the
	// deduplication key. Supported: app_identity, source_id, title, body.
	KeyFields  []string
	MaxEntries int
}

// DefaultConfig mirrors the capture defaults: a ten second exact window with
// fuzzy matching at 0.9 similarity.
func DefaultConfig() Config {
	return Config{
		Window:              10 * time.Second,
		FuzzyEnabled:        true,
		SimilarityThreshold: 0.9,
		KeyFields:           []string{"app_identity", "title", "body"},
		MaxEntries:          2048,
	}
}

// Decision is the outcome of a dedup check.
type Decision struct {
	Capture bool
	Reason  string
}

type entry struct {
	text     string
	lastSeen time.Time
}

// Deduplicator suppresses repeat captures of the same logical event inside a
// time window. It keeps a bounded in-memory recent-set; expired entries are
// purged opportunistically on each call, so no background timer is needed.
type Deduplicator struct {
	mu      sync.Mutex
	cfg     Config
	recent  map[string]*entry
	order   []string // insertion order for bounded eviction
	now     func() time.Time
	log     *zap.Logger
}

// New constructs a Deduplicator with the provided configuration.
func New(cfg Config) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	if len(cfg.KeyFields) == 0 {
		cfg.KeyFields = DefaultConfig().KeyFields
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}

	return &Deduplicator{
		cfg:    cfg,
		recent: make(map[string]*entry),
		now:    time.Now,
		log:    logger.WithComponent("dedup"),
	}
}

// WithNow overrides the clock, for tests.
func (d *Deduplicator) WithNow(now func() time.Time) *Deduplicator {
	d.now = now
	return d
}

// Process decides whether a record should be captured. Accepted records are
// inserted into the recent-set as a side effect.
func (d *Deduplicator) Process(record *models.Notification) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.purgeLocked(now)

	key := d.keyFor(record)

	if existing, ok := d.recent[key]; ok && now.Sub(existing.lastSeen) <= d.cfg.Window {
		existing.lastSeen = now
		return Decision{Capture: false, Reason: "duplicate within window"}
	}

	if d.cfg.FuzzyEnabled {
		text := record.ContentText()
		for _, existing := range d.recent {
			if now.Sub(existing.lastSeen) > d.cfg.Window {
				continue
			}
			if similarity(text, existing.text) >= d.cfg.SimilarityThreshold {
				d.log.Debug("fuzzy duplicate suppressed",
					zap.String("app", record.AppIdentity),
					zap.Float64("threshold", d.cfg.SimilarityThreshold))
				return Decision{Capture: false, Reason: "fuzzy duplicate within window"}
			}
		}
	}

	d.insertLocked(key, record.ContentText(), now)
	return Decision{Capture: true, Reason: "accepted"}
}

func (d *Deduplicator) keyFor(record *models.Notification) string {
	parts := make([]string, 0, len(d.cfg.KeyFields))
	for _, field := range d.cfg.KeyFields {
		switch field {
		case "app_identity":
			parts = append(parts, record.AppIdentity)
		case "source_id":
			parts = append(parts, record.SourceID)
		case "title":
			parts = append(parts, record.Title)
		case "body":
			parts = append(parts, record.Body)
		}
	}
	return strings.ToLower(strings.Join(parts, "\x1f"))
}

func (d *Deduplicator) insertLocked(key, text string, now time.Time) {
	if _, ok := d.recent[key]; !ok {
		d.order = append(d.order, key)
	}
	d.recent[key] = &entry{text: text, lastSeen: now}

	for len(d.recent) > d.cfg.MaxEntries && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.recent, oldest)
	}
}

// purgeLocked drops entries older than twice the window. Amortised O(n) per
// call keeps the recent-set bounded without a background timer.
func (d *Deduplicator) purgeLocked(now time.Time) {
	cutoff := now.Add(-2 * d.cfg.Window)
	kept := d.order[:0]
	for _, key := range d.order {
		e, ok := d.recent[key]
		if !ok {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			delete(d.recent, key)
			continue
		}
		kept = append(kept, key)
	}
	d.order = kept
}

// similarity returns a normalised edit-distance similarity in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	// Rune counts on both sides: the edit distance counts runes, so a byte
	// denominator would understate similarity for multi-byte text.
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
