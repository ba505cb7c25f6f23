package protect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBBundle struct {
	ID          string         `db:"id"`
	UserAddress []byte         `db:"user_address"`
	Status      string         `db:"status"`
	TargetBlock int64          `db:"target_block"`
	BundleHash  []byte         `db:"bundle_hash"`
	RetryOf     sql.NullString `db:"retry_of"`
	Body        []byte         `db:"body"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

var insertBundleQuery = `
INSERT INTO protect_bundle (id, user_address, status, target_block, bundle_hash, retry_of, body, created_at, updated_at)
VALUES (:id, :user_address, :status, :target_block, :bundle_hash, :retry_of, :body, :created_at, :updated_at)
ON CONFLICT (id) DO NOTHING`

var updateBundleQuery = `
UPDATE protect_bundle
SET status = :status, target_block = :target_block, bundle_hash = :bundle_hash, body = :body, updated_at = :updated_at
WHERE id = :id`

var selectBundleQuery = `
SELECT id, user_address, status, target_block, bundle_hash, retry_of, body, created_at, updated_at
FROM protect_bundle
WHERE id = $1`

var selectUserBundlesQuery = `
SELECT id, user_address, status, target_block, bundle_hash, retry_of, body, created_at, updated_at
FROM protect_bundle
WHERE user_address = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`

type DBStore struct {
	db *sqlx.DB
}

func NewDBStore(db *sqlx.DB) *DBStore {
	return &DBStore{db: db}
}

// ConnectDB opens the postgres pool shared by the bundle and secret stores
func ConnectDB(postgresDSN string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)
	return db, nil
}

func toDBBundle(bundle *Bundle) (*DBBundle, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	dbBundle := &DBBundle{
		ID:          bundle.ID,
		UserAddress: bundle.UserAddress.Bytes(),
		Status:      string(bundle.Status),
		TargetBlock: int64(bundle.TargetBlock),
		Body:        body,
		CreatedAt:   bundle.Timestamp,
		UpdatedAt:   time.Now(),
	}
	if bundle.BundleHash != nil {
		dbBundle.BundleHash = bundle.BundleHash.Bytes()
	}
	if bundle.RetryOf != "" {
		dbBundle.RetryOf = sql.NullString{String: bundle.RetryOf, Valid: true}
	}
	return dbBundle, nil
}

func fromDBBundle(dbBundle *DBBundle) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(dbBundle.Body, &bundle); err != nil {
		return nil, err
	}
	// indexed columns are authoritative
	bundle.ID = dbBundle.ID
	bundle.Status = BundleStatus(dbBundle.Status)
	bundle.TargetBlock = uint64(dbBundle.TargetBlock)
	bundle.UserAddress = common.BytesToAddress(dbBundle.UserAddress)
	return &bundle, nil
}

func (s *DBStore) InsertBundle(ctx context.Context, bundle *Bundle) error {
	dbBundle, err := toDBBundle(bundle)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, insertBundleQuery, dbBundle)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBundleExists
	}
	return nil
}

func (s *DBStore) UpdateBundle(ctx context.Context, bundle *Bundle) error {
	dbBundle, err := toDBBundle(bundle)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, updateBundleQuery, dbBundle)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBundleNotFound
	}
	return nil
}

func (s *DBStore) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	var dbBundle DBBundle
	err := s.db.GetContext(ctx, &dbBundle, selectBundleQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	} else if err != nil {
		return nil, err
	}
	return fromDBBundle(&dbBundle)
}

func (s *DBStore) GetUserBundles(ctx context.Context, user common.Address, limit, offset int) ([]*Bundle, error) {
	var dbBundles []DBBundle
	err := s.db.SelectContext(ctx, &dbBundles, selectUserBundlesQuery, user.Bytes(), limit, offset)
	if err != nil {
		return nil, err
	}
	res := make([]*Bundle, 0, len(dbBundles))
	for i := range dbBundles {
		bundle, err := fromDBBundle(&dbBundles[i])
		if err != nil {
			return nil, err
		}
		res = append(res, bundle)
	}
	return res, nil
}
