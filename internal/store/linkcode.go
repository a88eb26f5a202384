package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/crosslinkmc/crosslink/internal/model"
)

// codeAlphabet deliberately omits 0/O and 1/I so codes survive being read off
// a screen and typed on a console keyboard.
const (
	codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	codeLength   = 6

	// createRetries bounds regeneration when a generated code collides with
	// an existing row's UNIQUE constraint.
	createRetries = 5
)

// LinkCodeStore is the ledger of link codes. All mutation of a code after
// creation goes through Claim, which is a single conditional update so that
// any number of racing sessions and processes agree on exactly one winner.
type LinkCodeStore struct {
	db *sql.DB
}

func NewLinkCodeStore(db *sql.DB) *LinkCodeStore {
	return &LinkCodeStore{db: db}
}

func scanLinkCode(scanner interface{ Scan(...any) error }) (*model.LinkCode, error) {
	var lc model.LinkCode
	var createdAt, expiresAt int64
	var claimedAt sql.NullInt64

	err := scanner.Scan(
		&lc.ID, &lc.Code, &lc.OwnerReference, &lc.State,
		&createdAt, &expiresAt, &claimedAt,
	)
	if err != nil {
		return nil, err
	}

	lc.CreatedAt = time.UnixMilli(createdAt).UTC()
	lc.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if claimedAt.Valid {
		t := time.UnixMilli(claimedAt.Int64).UTC()
		lc.ClaimedAt = &t
	}
	return &lc, nil
}

const linkCodeCols = `id, code, owner_reference, state, created_at, expires_at, claimed_at`

// generateCode returns a random code from the restricted alphabet.
func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// Create issues a new pending code for the given owner reference with the
// given TTL. Uniqueness rides on the code column's UNIQUE constraint; on a
// collision a fresh code is generated and the insert retried.
func (s *LinkCodeStore) Create(ctx context.Context, ownerReference string, ttl time.Duration) (*model.LinkCode, error) {
	now := time.Now().UTC()

	for attempt := 0; attempt < createRetries; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}

		result, err := s.db.ExecContext(ctx,
			`INSERT INTO link_codes (code, owner_reference, state, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			code, ownerReference, model.StatePending, now.UnixMilli(), now.Add(ttl).UnixMilli(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("insert link code: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		row := s.db.QueryRowContext(ctx, `SELECT `+linkCodeCols+` FROM link_codes WHERE id = ?`, id)
		return scanLinkCode(row)
	}

	return nil, fmt.Errorf("create link code: gave up after %d collisions", createRetries)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Claim atomically consumes a pending, unexpired code and returns its owner
// reference. The update-with-RETURNING is one statement: the row flips to
// CLAIMED if and only if it is still PENDING and not past expiry, so among
// any number of concurrent callers exactly one gets ClaimOK. A read followed
// by a separate write would let two callers both observe PENDING.
//
// An error return means the store itself was unreachable; all ledger-level
// outcomes (missing, expired, already claimed) come back as a ClaimResult.
func (s *LinkCodeStore) Claim(ctx context.Context, code string, now time.Time) (model.ClaimResult, error) {
	nowMs := now.UTC().UnixMilli()

	var owner string
	err := s.db.QueryRowContext(ctx,
		`UPDATE link_codes SET state = ?, claimed_at = ?
		 WHERE code = ? AND state = ? AND expires_at > ?
		 RETURNING owner_reference`,
		model.StateClaimed, nowMs, code, model.StatePending, nowMs,
	).Scan(&owner)
	if err == nil {
		return model.ClaimResult{Status: model.ClaimOK, OwnerReference: owner}, nil
	}
	if err != sql.ErrNoRows {
		return model.ClaimResult{}, fmt.Errorf("claim link code: %w", err)
	}

	// The conditional update matched nothing. Classify why; this read never
	// mutates, so a loser can only ever be reclassified between loser
	// categories by a concurrent winner, never promoted.
	var state model.LinkCodeState
	var expiresAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT state, expires_at FROM link_codes WHERE code = ?`, code,
	).Scan(&state, &expiresAt)
	if err == sql.ErrNoRows {
		return model.ClaimResult{Status: model.ClaimNotFound}, nil
	}
	if err != nil {
		return model.ClaimResult{}, fmt.Errorf("classify failed claim: %w", err)
	}

	switch {
	case state == model.StateClaimed:
		return model.ClaimResult{Status: model.ClaimAlreadyClaimed}, nil
	case expiresAt <= nowMs:
		return model.ClaimResult{Status: model.ClaimExpired}, nil
	default:
		return model.ClaimResult{Status: model.ClaimExpired}, nil
	}
}

// Lookup returns the row for a code, or nil if no such code exists. Used by
// the plugin side to poll whether and to whom a code resolved.
func (s *LinkCodeStore) Lookup(ctx context.Context, code string) (*model.LinkCode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkCodeCols+` FROM link_codes WHERE code = ?`, code)
	lc, err := scanLinkCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup link code: %w", err)
	}
	return lc, nil
}

// LookupByOwner returns the most recent code issued for an owner reference,
// or nil if none exists.
func (s *LinkCodeStore) LookupByOwner(ctx context.Context, ownerReference string) (*model.LinkCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkCodeCols+` FROM link_codes WHERE owner_reference = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		ownerReference,
	)
	lc, err := scanLinkCode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup link code by owner: %w", err)
	}
	return lc, nil
}

// ListPending returns all codes still pending and unexpired at the given
// instant, newest first.
func (s *LinkCodeStore) ListPending(ctx context.Context, now time.Time) ([]*model.LinkCode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkCodeCols+` FROM link_codes WHERE state = ? AND expires_at > ? ORDER BY created_at DESC, id DESC`,
		model.StatePending, now.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending link codes: %w", err)
	}
	defer rows.Close()

	var codes []*model.LinkCode
	for rows.Next() {
		lc, err := scanLinkCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link code: %w", err)
		}
		codes = append(codes, lc)
	}
	return codes, rows.Err()
}

// DeleteExpired removes rows whose expiry is at least grace before now.
// Claim never depends on this running: expiry is re-checked by timestamp on
// every claim, so the sweep is purely hygiene.
func (s *LinkCodeStore) DeleteExpired(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	cutoff := now.UTC().Add(-grace).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM link_codes WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired link codes: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
