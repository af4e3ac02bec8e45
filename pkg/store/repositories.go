package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// UnprocessedIdentity is a commitment accepted by intake but not yet
// assigned a leaf index by intake's drain loop.
type UnprocessedIdentity struct {
	ID              uuid.UUID
	Commitment      string
	EligibilityTime time.Time
	Status          string
	AllowReAdd      bool
}

// IdentityRecord is a commitment mutation (insertion or deletion)
// recorded against a leaf index in the latest tree.
type IdentityRecord struct {
	Sequence   uint64
	LeafIndex  uint64
	Commitment string
	Kind       string
}

// BatchRecord is a formed batch awaiting or having completed proving
// and submission.
type BatchRecord struct {
	ID              uuid.UUID
	Kind            string
	PriorRoot       string
	PostRoot        string
	ProverInputHash string
	Proof           []byte
	Status          string
}

// TransactionRecord tracks a submitted on-chain transaction for a batch.
type TransactionRecord struct {
	ID      uuid.UUID
	BatchID uuid.UUID
	TxHash  string
	Status  string
	MinedAt sql.NullTime
}

// Repositories groups the data-access methods for every table this
// service owns, each running against the Client's pool directly or
// inside a caller-supplied transaction.
type Repositories struct {
	client *Client
}

// NewRepositories builds a Repositories bound to the given client.
func NewRepositories(c *Client) *Repositories {
	return &Repositories{client: c}
}

// InsertUnprocessed records a newly accepted commitment in the intake
// queue, returning the row's id so the drain loop can later claim it
// precisely (by id, not by commitment, since the same commitment may
// legitimately appear more than once across a delete/re-add cycle).
func (r *Repositories) InsertUnprocessed(ctx context.Context, commitment string, eligibility time.Time, allowReAdd bool) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.client.DB().ExecContext(ctx,
		`INSERT INTO unprocessed_identities (id, commitment, eligibility_time, status, allow_re_add) VALUES ($1, $2, $3, 'new', $4)`,
		id, commitment, eligibility, allowReAdd)
	if err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

// UnprocessedExists reports whether commitment has an unclaimed row in
// the intake queue, used alongside identitytree.Versions' live-index
// check to reject a duplicate insert before it is ever queued.
func (r *Repositories) UnprocessedExists(ctx context.Context, commitment string) (bool, error) {
	var exists bool
	row := r.client.DB().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM unprocessed_identities WHERE commitment = $1 AND status = 'new')`, commitment)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// NextEligibleUnprocessed returns up to limit unprocessed identities
// whose eligibility time has passed, ordered oldest first.
func (r *Repositories) NextEligibleUnprocessed(ctx context.Context, now time.Time, limit int) ([]UnprocessedIdentity, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT id, commitment, eligibility_time, status, allow_re_add FROM unprocessed_identities
		 WHERE eligibility_time <= $1 AND status = 'new'
		 ORDER BY eligibility_time ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnprocessedIdentity
	for rows.Next() {
		var u UnprocessedIdentity
		if err := rows.Scan(&u.ID, &u.Commitment, &u.EligibilityTime, &u.Status, &u.AllowReAdd); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkUnprocessedClaimed transitions a commitment out of the intake
// queue once it has been assigned a leaf index.
func (r *Repositories) MarkUnprocessedClaimed(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `UPDATE unprocessed_identities SET status = 'claimed' WHERE id = $1`, id)
	return err
}

// BindUnprocessedIdentity assigns a leaf index to a queued commitment
// durably, in one transaction: the identities row is inserted and the
// unprocessed_identities row is marked claimed together, so a crash
// between the two can never leave a commitment claimed without a
// corresponding identity record or vice versa.
func (r *Repositories) BindUnprocessedIdentity(ctx context.Context, unprocessedID uuid.UUID, rec IdentityRecord) error {
	return r.client.WithSerializableTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identities (sequence, leaf_index, commitment, kind) VALUES ($1, $2, $3, $4)`,
			rec.Sequence, rec.LeafIndex, rec.Commitment, rec.Kind); err != nil {
			return err
		}
		return r.MarkUnprocessedClaimed(ctx, tx, unprocessedID)
	})
}

// InsertIdentity records a commitment mutation at the given sequence
// and leaf index, inside the given transaction.
func (r *Repositories) InsertIdentity(ctx context.Context, tx *sql.Tx, rec IdentityRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO identities (sequence, leaf_index, commitment, kind) VALUES ($1, $2, $3, $4)`,
		rec.Sequence, rec.LeafIndex, rec.Commitment, rec.Kind)
	return err
}

// RecordIdentity is InsertIdentity outside of a caller-managed
// transaction, used for a deletion record: unlike an insertion, a
// deletion never needs to be bound atomically against the
// unprocessed_identities queue.
func (r *Repositories) RecordIdentity(ctx context.Context, rec IdentityRecord) error {
	_, err := r.client.DB().ExecContext(ctx,
		`INSERT INTO identities (sequence, leaf_index, commitment, kind) VALUES ($1, $2, $3, $4)`,
		rec.Sequence, rec.LeafIndex, rec.Commitment, rec.Kind)
	return err
}

// IdentityByLeafIndex fetches the most recent mutation recorded
// against a leaf index (its original insertion, or a later deletion
// if the leaf has since been cleared).
func (r *Repositories) IdentityByLeafIndex(ctx context.Context, leafIndex uint64) (IdentityRecord, error) {
	var rec IdentityRecord
	row := r.client.DB().QueryRowContext(ctx,
		`SELECT sequence, leaf_index, commitment, kind FROM identities
		 WHERE leaf_index = $1 ORDER BY sequence DESC LIMIT 1`, leafIndex)
	if err := row.Scan(&rec.Sequence, &rec.LeafIndex, &rec.Commitment, &rec.Kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IdentityRecord{}, ErrIdentityNotFound
		}
		return IdentityRecord{}, err
	}
	return rec, nil
}

// IdentityLog returns every recorded mutation in ascending sequence
// order, used to rebuild identitytree.Versions on startup.
func (r *Repositories) IdentityLog(ctx context.Context) ([]IdentityRecord, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT sequence, leaf_index, commitment, kind FROM identities ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentityRecord
	for rows.Next() {
		var rec IdentityRecord
		if err := rows.Scan(&rec.Sequence, &rec.LeafIndex, &rec.Commitment, &rec.Kind); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertBatch creates a new batch row and its member leaf indices
// atomically inside a SERIALIZABLE transaction via Client.WithSerializableTx.
func (r *Repositories) InsertBatch(ctx context.Context, b BatchRecord, leafIndices []uint64) error {
	return r.client.WithSerializableTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (id, kind, prior_root, post_root, prover_input_hash, proof, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, b.Kind, b.PriorRoot, b.PostRoot, b.ProverInputHash, b.Proof, b.Status); err != nil {
			return err
		}
		for _, idx := range leafIndices {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO batch_members (batch_id, leaf_index) VALUES ($1, $2)`, b.ID, idx); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO root_history (root, batch_id, version) VALUES ($1, $2, 'batching')
			 ON CONFLICT (root) DO NOTHING`, b.PostRoot, b.ID); err != nil {
			return err
		}
		return nil
	})
}

// BatchByID fetches a batch record.
func (r *Repositories) BatchByID(ctx context.Context, id uuid.UUID) (BatchRecord, error) {
	var b BatchRecord
	row := r.client.DB().QueryRowContext(ctx,
		`SELECT id, kind, prior_root, post_root, prover_input_hash, proof, status FROM batches WHERE id = $1`, id)
	if err := row.Scan(&b.ID, &b.Kind, &b.PriorRoot, &b.PostRoot, &b.ProverInputHash, &b.Proof, &b.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchRecord{}, ErrBatchNotFound
		}
		return BatchRecord{}, err
	}
	return b, nil
}

// BatchByPostRoot fetches the batch whose application produced
// postRoot, used by pkg/chainsub to match an on-chain TreeChanged
// event back to the locally-formed batch it corresponds to.
func (r *Repositories) BatchByPostRoot(ctx context.Context, postRoot string) (BatchRecord, error) {
	var b BatchRecord
	row := r.client.DB().QueryRowContext(ctx,
		`SELECT id, kind, prior_root, post_root, prover_input_hash, proof, status FROM batches WHERE post_root = $1`, postRoot)
	if err := row.Scan(&b.ID, &b.Kind, &b.PriorRoot, &b.PostRoot, &b.ProverInputHash, &b.Proof, &b.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchRecord{}, ErrBatchNotFound
		}
		return BatchRecord{}, err
	}
	return b, nil
}

// BatchMembers returns the leaf indices belonging to a batch, in
// ascending order.
func (r *Repositories) BatchMembers(ctx context.Context, batchID uuid.UUID) ([]uint64, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT leaf_index FROM batch_members WHERE batch_id = $1 ORDER BY leaf_index ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var idx uint64
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// UpdateBatchStatus transitions a batch's lifecycle status (e.g.
// "pending" -> "proven" -> "submitted" -> "mined").
func (r *Repositories) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.client.DB().ExecContext(ctx, `UPDATE batches SET status = $1 WHERE id = $2`, status, id)
	return err
}

// SetBatchProof persists the proof bytes returned by the external prover.
func (r *Repositories) SetBatchProof(ctx context.Context, id uuid.UUID, proof []byte) error {
	_, err := r.client.DB().ExecContext(ctx, `UPDATE batches SET proof = $1, status = 'proven' WHERE id = $2`, proof, id)
	return err
}

// InsertTransaction records a relayer-submitted transaction for a batch.
func (r *Repositories) InsertTransaction(ctx context.Context, t TransactionRecord) error {
	_, err := r.client.DB().ExecContext(ctx,
		`INSERT INTO transactions (id, batch_id, tx_hash, status) VALUES ($1, $2, $3, $4)`,
		t.ID, t.BatchID, t.TxHash, t.Status)
	return err
}

// MarkTransactionMined records the mined timestamp and advances status.
func (r *Repositories) MarkTransactionMined(ctx context.Context, id uuid.UUID, minedAt time.Time) error {
	_, err := r.client.DB().ExecContext(ctx,
		`UPDATE transactions SET status = 'mined', mined_at = $1 WHERE id = $2`, minedAt, id)
	return err
}

// RootEverValid reports whether the given root hex string ever
// appeared in the root history, used by pkg/chainsub to check that the
// on-chain root is one this process has recorded.
func (r *Repositories) RootEverValid(ctx context.Context, root string) (bool, error) {
	var exists bool
	row := r.client.DB().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM root_history WHERE root = $1)`, root)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// RootBecamePendingAt returns the time a root was first recorded in
// the root history, used to compute a proof's age against
// maxRootAgeSeconds when verifying a Semaphore proof.
func (r *Repositories) RootBecamePendingAt(ctx context.Context, root string) (time.Time, error) {
	var createdAt time.Time
	row := r.client.DB().QueryRowContext(ctx, `SELECT created_at FROM root_history WHERE root = $1`, root)
	if err := row.Scan(&createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return createdAt, nil
}

// RecordRoot appends a new entry to the root history for a given
// version label ("batching", "processed", "mined"), ignoring
// conflicts from a root that was already recorded for another batch.
func (r *Repositories) RecordRoot(ctx context.Context, root string, batchID uuid.UUID, version string) error {
	_, err := r.client.DB().ExecContext(ctx,
		`INSERT INTO root_history (root, batch_id, version) VALUES ($1, $2, $3) ON CONFLICT (root) DO NOTHING`,
		root, batchID, version)
	return err
}
