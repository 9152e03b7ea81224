package audit

// VerifyResult holds the outcome of a hash chain verification.
// BrokenAt is the index (0-based position in the verified sequence) of the
// first entry that disagrees with its recomputed hash or link; it is -1
// when Valid.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at"`
	Reason         string `json:"reason,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// Tampered returns the index of the first divergence and true, or -1 and
// false for a valid chain.
func (r VerifyResult) Tampered() (int, bool) {
	if r.Valid {
		return -1, false
	}
	return r.BrokenAt, true
}

// Reasons reported in VerifyResult.Reason.
const (
	ReasonHashMismatch     = "stored hash does not match recomputed hash"
	ReasonBrokenLink       = "prev_hash does not match recomputed hash of previous entry"
	ReasonGenesisMisplaced = "genesis reference on a non-first entry"
	ReasonBadGenesis       = "first entry does not link to genesis"
	ReasonTimeRegression   = "timestamp earlier than previous entry"
)

// Verifier recomputes a chain with a given digest.
type Verifier struct {
	Digest Digest
}

// Verify checks entries with SHA-256, the default digest.
func Verify(entries []Entry) VerifyResult {
	return Verifier{Digest: SHA256}.Verify(entries)
}

// Verify walks entries from genesis and reports the first divergence.
//
// No stored hash is trusted: each entry's hash is recomputed from its
// content, and every prev_hash is compared with the recomputed hash of its
// predecessor. Rewriting an entry together with its own hash field still
// breaks the link held by the next entry.
func (v Verifier) Verify(entries []Entry) VerifyResult {
	digest := v.Digest
	if digest == "" {
		digest = SHA256
	}

	prev := ""
	for i := range entries {
		e := &entries[i]
		recomputed := computeHash(digest, e)

		broken := func(reason, expected, actual string) VerifyResult {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       i,
				Reason:         reason,
				ExpectedHash:   expected,
				ActualHash:     actual,
			}
		}

		switch {
		case i == 0 && e.PrevHash != GenesisHash:
			return broken(ReasonBadGenesis, GenesisHash, e.PrevHash)
		case i > 0 && e.PrevHash == GenesisHash:
			return broken(ReasonGenesisMisplaced, prev, e.PrevHash)
		case i > 0 && e.PrevHash != prev:
			return broken(ReasonBrokenLink, prev, e.PrevHash)
		case e.Hash != recomputed:
			return broken(ReasonHashMismatch, recomputed, e.Hash)
		case i > 0 && e.Timestamp.Before(entries[i-1].Timestamp):
			return broken(ReasonTimeRegression, "", "")
		}
		prev = recomputed
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries), BrokenAt: -1}
}
