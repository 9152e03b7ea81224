package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// DefaultAppendRetries is how many times Append re-reads the tail after
// losing a write race before giving up with ErrChainWriteConflict.
const DefaultAppendRetries = 3

// QueryParams defines filters for querying the audit log.
// All fields are optional; zero values mean "no filter".
type QueryParams struct {
	Role    Role   // Exact role.
	Action  Action // Exact action.
	Since   string // RFC 3339 timestamp or a duration such as "1h" or "24h".
	Details string // Glob over the details text, e.g. "*patient 42*".
	Limit   int    // Keep only the most recent N matches.
}

// Chain is the append-only audit log over a Store.
//
// Append is the single ordering point for the log: reading the tail,
// computing the digest and inserting happen under one mutex, so two
// appends through the same Chain never link to the same tail. Writers in
// other processes are caught by the Store's conflict check.
type Chain struct {
	mu      sync.Mutex
	store   Store
	digest  Digest
	retries int
	now     func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithDigest selects the chain's hash function.
func WithDigest(d Digest) Option {
	return func(c *Chain) { c.digest = d }
}

// WithAppendRetries sets how many conflicts Append absorbs before failing.
func WithAppendRetries(n int) Option {
	return func(c *Chain) { c.retries = n }
}

// WithClock replaces the clock used by Record.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// New returns a Chain backed by store.
func New(store Store, opts ...Option) *Chain {
	c := &Chain{
		store:   store,
		digest:  SHA256,
		retries: DefaultAppendRetries,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Digest reports the chain's hash function.
func (c *Chain) Digest() Digest { return c.digest }

// Append records one action and returns the persisted entry.
//
// ts is stored in UTC at microsecond precision. A timestamp earlier than
// the current tail's is raised to the tail's, keeping timestamps
// non-decreasing along the chain.
func (c *Chain) Append(ctx context.Context, role Role, action Action, details string, ts time.Time) (Entry, error) {
	if !role.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown role %q", ErrInvalidEntry, role)
	}
	if !action.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, action)
	}
	ts = normalizeTime(ts)

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		var e Entry
		e, err = c.appendLocked(ctx, role, action, details, ts)
		if err == nil {
			slog.Debug("audit entry appended", "seq", e.Seq, "role", e.Role, "action", e.Action)
			return e, nil
		}
		if !errors.Is(err, ErrChainWriteConflict) {
			return Entry{}, err
		}
		slog.Warn("audit append conflict, re-reading tail", "attempt", attempt+1, "error", err)
	}
	return Entry{}, err
}

// Record appends an entry stamped with the chain's clock.
func (c *Chain) Record(ctx context.Context, role Role, action Action, details string) (Entry, error) {
	return c.Append(ctx, role, action, details, c.now())
}

// appendLocked performs one read-tail, hash, insert cycle. c.mu must be held.
func (c *Chain) appendLocked(ctx context.Context, role Role, action Action, details string, ts time.Time) (Entry, error) {
	last, err := c.store.Last(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("reading audit tail: %w", err)
	}

	e := Entry{
		Seq:       1,
		Role:      role,
		Action:    action,
		Details:   details,
		Timestamp: ts,
		PrevHash:  GenesisHash,
	}
	if last != nil {
		e.Seq = last.Seq + 1
		e.PrevHash = last.Hash
		if e.Timestamp.Before(last.Timestamp) {
			e.Timestamp = last.Timestamp
		}
	}
	e.Hash = computeHash(c.digest, &e)

	if err := c.store.Insert(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("writing audit entry %d: %w", e.Seq, err)
	}
	return e, nil
}

// Entries returns the whole chain in insertion order.
func (c *Chain) Entries(ctx context.Context) ([]Entry, error) {
	return c.store.EntriesAfter(ctx, 0)
}

// Tail returns the N most recent entries, oldest first. limit <= 0 returns all.
func (c *Chain) Tail(ctx context.Context, limit int) ([]Entry, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// VerifyChain reads the whole chain from genesis and verifies it.
// A tampered chain is reported in the result, not as an error.
func (c *Chain) VerifyChain(ctx context.Context) (VerifyResult, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}
	res := Verifier{Digest: c.digest}.Verify(entries)
	if !res.Valid {
		slog.Error("audit chain verification failed",
			"broken_at", res.BrokenAt, "reason", res.Reason, "entries_checked", res.EntriesChecked)
	}
	return res, nil
}

// Query retrieves entries matching the given filter parameters, oldest first.
func (c *Chain) Query(ctx context.Context, params QueryParams) ([]Entry, error) {
	var since time.Time
	if params.Since != "" {
		if t, err := time.Parse(time.RFC3339Nano, params.Since); err == nil {
			since = t
		} else {
			d, err := time.ParseDuration(params.Since)
			if err != nil {
				return nil, fmt.Errorf("invalid since %q: want RFC 3339 time or duration", params.Since)
			}
			since = c.now().Add(-d)
		}
	}

	var details glob.Glob
	if params.Details != "" {
		g, err := glob.Compile(params.Details)
		if err != nil {
			return nil, fmt.Errorf("invalid details pattern %q: %w", params.Details, err)
		}
		details = g
	}

	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range entries {
		if params.Role != "" && e.Role != params.Role {
			continue
		}
		if params.Action != "" && e.Action != params.Action {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if details != nil && !details.Match(e.Details) {
			continue
		}
		filtered = append(filtered, e)
	}

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[len(filtered)-params.Limit:]
	}
	return filtered, nil
}

// Export writes all audit entries to w in the specified format.
// Supported formats: "jsonl" (default), "json", "csv".
func (c *Chain) Export(ctx context.Context, w io.Writer, format string) error {
	entries, err := c.Entries(ctx)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"seq", "role", "action", "details", "timestamp", "prev_hash", "hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				string(e.Role),
				string(e.Action),
				e.Details,
				strconv.FormatInt(e.Timestamp.UnixMicro(), 10),
				e.PrevHash,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use %s)", format, strings.Join([]string{"json", "jsonl", "csv"}, ", "))
	}
}
