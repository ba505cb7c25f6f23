package fusion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

type DBSecret struct {
	ID          string    `db:"id"`
	OrderID     string    `db:"order_id"`
	UserAddress []byte    `db:"user_address"`
	Status      string    `db:"status"`
	Body        []byte    `db:"body"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type DBOrder struct {
	OrderID     string    `db:"order_id"`
	UserAddress []byte    `db:"user_address"`
	Body        []byte    `db:"body"`
	CreatedAt   time.Time `db:"created_at"`
}

var insertSecretQuery = `
INSERT INTO fusion_secret (id, order_id, user_address, status, body, created_at, updated_at)
VALUES (:id, :order_id, :user_address, :status, :body, :created_at, :updated_at)
ON CONFLICT (id) DO NOTHING`

var updateSecretQuery = `
UPDATE fusion_secret
SET status = :status, body = :body, updated_at = :updated_at
WHERE id = :id`

var selectSecretQuery = `
SELECT id, order_id, user_address, status, body, created_at, updated_at
FROM fusion_secret
WHERE id = $1`

var selectOrderSecretsQuery = `
SELECT id, order_id, user_address, status, body, created_at, updated_at
FROM fusion_secret
WHERE order_id = $1
ORDER BY created_at`

var selectUserSecretsQuery = `
SELECT id, order_id, user_address, status, body, created_at, updated_at
FROM fusion_secret
WHERE user_address = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`

var selectStaleSecretsQuery = `
SELECT id, order_id, user_address, status, body, created_at, updated_at
FROM fusion_secret
WHERE status IN ('Pending', 'Submitted') AND created_at < $1`

var insertOrderQuery = `
INSERT INTO fusion_order (order_id, user_address, body, created_at)
VALUES (:order_id, :user_address, :body, :created_at)
ON CONFLICT (order_id) DO NOTHING`

var selectOrderQuery = `
SELECT order_id, user_address, body, created_at
FROM fusion_order
WHERE order_id = $1`

// DBStore keeps secrets and orders in postgres, it implements SecretStore and OrderBook
type DBStore struct {
	db *sqlx.DB
}

func NewDBStore(db *sqlx.DB) *DBStore {
	return &DBStore{db: db}
}

func toDBSecret(secret *Secret) (*DBSecret, error) {
	body, err := json.Marshal(secret)
	if err != nil {
		return nil, err
	}
	return &DBSecret{
		ID:          secret.ID,
		OrderID:     secret.OrderID,
		UserAddress: secret.UserAddress.Bytes(),
		Status:      string(secret.Status),
		Body:        body,
		CreatedAt:   secret.Timestamp,
		UpdatedAt:   time.Now(),
	}, nil
}

func fromDBSecret(dbSecret *DBSecret) (*Secret, error) {
	var secret Secret
	if err := json.Unmarshal(dbSecret.Body, &secret); err != nil {
		return nil, err
	}
	secret.ID = dbSecret.ID
	secret.OrderID = dbSecret.OrderID
	secret.UserAddress = common.BytesToAddress(dbSecret.UserAddress)
	secret.Status = SecretStatus(dbSecret.Status)
	return &secret, nil
}

func fromDBSecrets(dbSecrets []DBSecret) ([]*Secret, error) {
	res := make([]*Secret, 0, len(dbSecrets))
	for i := range dbSecrets {
		secret, err := fromDBSecret(&dbSecrets[i])
		if err != nil {
			return nil, err
		}
		res = append(res, secret)
	}
	return res, nil
}

func (s *DBStore) InsertSecret(ctx context.Context, secret *Secret) error {
	dbSecret, err := toDBSecret(secret)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, insertSecretQuery, dbSecret)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSecretExists
	}
	return nil
}

func (s *DBStore) UpdateSecret(ctx context.Context, secret *Secret) error {
	dbSecret, err := toDBSecret(secret)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, updateSecretQuery, dbSecret)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSecretNotFound
	}
	return nil
}

func (s *DBStore) GetSecret(ctx context.Context, id string) (*Secret, error) {
	var dbSecret DBSecret
	err := s.db.GetContext(ctx, &dbSecret, selectSecretQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	} else if err != nil {
		return nil, err
	}
	return fromDBSecret(&dbSecret)
}

func (s *DBStore) GetOrderSecrets(ctx context.Context, orderID string) ([]*Secret, error) {
	var dbSecrets []DBSecret
	if err := s.db.SelectContext(ctx, &dbSecrets, selectOrderSecretsQuery, orderID); err != nil {
		return nil, err
	}
	return fromDBSecrets(dbSecrets)
}

func (s *DBStore) GetUserSecrets(ctx context.Context, user common.Address, limit, offset int) ([]*Secret, error) {
	var dbSecrets []DBSecret
	if err := s.db.SelectContext(ctx, &dbSecrets, selectUserSecretsQuery, user.Bytes(), limit, offset); err != nil {
		return nil, err
	}
	return fromDBSecrets(dbSecrets)
}

func (s *DBStore) GetStaleSecrets(ctx context.Context, before time.Time) ([]*Secret, error) {
	var dbSecrets []DBSecret
	if err := s.db.SelectContext(ctx, &dbSecrets, selectStaleSecretsQuery, before); err != nil {
		return nil, err
	}
	return fromDBSecrets(dbSecrets)
}

func (s *DBStore) InsertOrder(ctx context.Context, order *Order) error {
	body, err := json.Marshal(order)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, insertOrderQuery, &DBOrder{
		OrderID:     order.OrderID,
		UserAddress: order.UserAddress.Bytes(),
		Body:        body,
		CreatedAt:   order.CreatedAt,
	})
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderExists
	}
	return nil
}

func (s *DBStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var dbOrder DBOrder
	err := s.db.GetContext(ctx, &dbOrder, selectOrderQuery, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	} else if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(dbOrder.Body, &order); err != nil {
		return nil, err
	}
	order.OrderID = dbOrder.OrderID
	order.UserAddress = common.BytesToAddress(dbOrder.UserAddress)
	return &order, nil
}
