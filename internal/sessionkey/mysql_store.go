package sessionkey

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/permission"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存会话密钥。消费额度扣减通过单条带条件的
// UPDATE 完成，检查与提交之间不存在可观察的中间状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS session_keys (
        id VARCHAR(64) PRIMARY KEY,
        wallet_id VARCHAR(128) NOT NULL,
        user_id VARCHAR(128) NOT NULL,
        agent_id VARCHAR(128) NOT NULL DEFAULT '',
        signer_address VARCHAR(66) NOT NULL,
        smart_wallet_address VARCHAR(66) NOT NULL,
        status VARCHAR(16) NOT NULL,
        allowed_actions TEXT,
        spending_limit DECIMAL(65,0) NOT NULL DEFAULT 0,
        spending_used DECIMAL(65,0) NOT NULL DEFAULT 0,
        auto_renew TINYINT(1) NOT NULL DEFAULT 0,
        max_renewals INT NOT NULL DEFAULT 0,
        renewals_used INT NOT NULL DEFAULT 0,
        allowed_chains TEXT,
        allowed_tokens TEXT,
        max_amount_per_txn DECIMAL(65,0) NULL,
        created_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        last_used_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_session_scope (wallet_id, user_id, agent_id, status),
        INDEX idx_session_expires (expires_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 session_keys 表失败")
	}
	return nil
}

const sessionColumns = `id, wallet_id, user_id, agent_id, signer_address, smart_wallet_address,
        status, allowed_actions, CAST(spending_limit AS CHAR), CAST(spending_used AS CHAR),
        auto_renew, max_renewals, renewals_used, allowed_chains, allowed_tokens,
        CAST(max_amount_per_txn AS CHAR), created_at, expires_at, last_used_at`

// Create 插入新的会话密钥。
func (s *MySQLStore) Create(ctx context.Context, key *SessionKey) error {
	if key == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session key 不能为空")
	}
	if strings.TrimSpace(key.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话密钥 ID 不能为空")
	}

	now := time.Now().Unix()
	if key.CreatedAt == 0 {
		key.CreatedAt = now
	}
	if key.Status == "" {
		key.Status = StatusActive
	}

	actions, err := json.Marshal(key.Permissions.AllowedActions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 allowed_actions 失败")
	}
	chains, err := json.Marshal(key.Permissions.AllowedChains)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 allowed_chains 失败")
	}
	tokens, err := json.Marshal(key.Permissions.AllowedTokens)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 allowed_tokens 失败")
	}

	const stmt = `INSERT INTO session_keys
        (id, wallet_id, user_id, agent_id, signer_address, smart_wallet_address, status,
         allowed_actions, spending_limit, spending_used, auto_renew, max_renewals, renewals_used,
         allowed_chains, allowed_tokens, max_amount_per_txn, created_at, expires_at, last_used_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, CAST(? AS DECIMAL(65,0)), CAST(? AS DECIMAL(65,0)), ?, ?, ?, ?, ?, CAST(? AS DECIMAL(65,0)), ?, ?, 0)`

	_, err = s.db.ExecContext(ctx, stmt,
		key.ID,
		key.WalletID,
		key.UserID,
		key.AgentID,
		key.SignerAddress,
		key.SmartWalletAddress,
		string(key.Status),
		string(actions),
		bigString(key.Permissions.SpendingLimit),
		bigString(key.Permissions.SpendingUsed),
		key.Permissions.AutoRenew,
		key.Permissions.MaxRenewals,
		key.Permissions.RenewalsUsed,
		string(chains),
		string(tokens),
		nullableBigString(key.Permissions.MaxAmountPerTxn),
		key.CreatedAt,
		key.ExpiresAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrSessionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话密钥失败")
	}
	return nil
}

// Get 查询指定密钥。
func (s *MySQLStore) Get(ctx context.Context, id string) (*SessionKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM session_keys WHERE id = ?`, id)
	return scanSessionKey(row)
}

// GetActive 返回范围内最新的可用密钥。查询前先把时间上已过期的密钥
// 惰性刷新为 expired，保证过期的密钥绝不会被复活。
func (s *MySQLStore) GetActive(ctx context.Context, scope Scope) (*SessionKey, error) {
	now := time.Now().Unix()

	const expireStmt = `UPDATE session_keys SET status = ?
        WHERE wallet_id = ? AND user_id = ? AND status = ? AND expires_at <= ?`
	if _, err := s.db.ExecContext(ctx, expireStmt, StatusExpired, scope.WalletID, scope.UserID, StatusActive, now); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新过期会话密钥失败")
	}

	query := `SELECT ` + sessionColumns + ` FROM session_keys
        WHERE wallet_id = ? AND user_id = ? AND status = ? AND expires_at > ?`
	args := []any{scope.WalletID, scope.UserID, StatusActive, now}
	if scope.AgentID == "" {
		query += ` AND agent_id = ''`
	} else {
		query += ` AND agent_id IN (?, '')`
		args = append(args, scope.AgentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanSessionKey(row)
}

// GetLatest 返回范围内最新的未吊销密钥，无论是否已过期。
func (s *MySQLStore) GetLatest(ctx context.Context, scope Scope) (*SessionKey, error) {
	now := time.Now().Unix()

	const expireStmt = `UPDATE session_keys SET status = ?
        WHERE wallet_id = ? AND user_id = ? AND status = ? AND expires_at <= ?`
	if _, err := s.db.ExecContext(ctx, expireStmt, StatusExpired, scope.WalletID, scope.UserID, StatusActive, now); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新过期会话密钥失败")
	}

	query := `SELECT ` + sessionColumns + ` FROM session_keys
        WHERE wallet_id = ? AND user_id = ? AND status <> ?`
	args := []any{scope.WalletID, scope.UserID, StatusRevoked}
	if scope.AgentID == "" {
		query += ` AND agent_id = ''`
	} else {
		query += ` AND agent_id IN (?, '')`
		args = append(args, scope.AgentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanSessionKey(row)
}

// DebitSpending 用单条带条件的 UPDATE 实现原子扣减。并发下两次扣减
// 不可能都基于同一份旧的 spending_used 通过校验。
func (s *MySQLStore) DebitSpending(ctx context.Context, id string, amount *big.Int) (*permission.Permission, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "扣减金额必须为非负整数")
	}

	now := time.Now().Unix()
	const stmt = `UPDATE session_keys
        SET spending_used = spending_used + CAST(? AS DECIMAL(65,0)), last_used_at = ?
        WHERE id = ? AND status = ? AND expires_at > ?
          AND spending_used + CAST(? AS DECIMAL(65,0)) <= spending_limit`

	res, err := s.db.ExecContext(ctx, stmt, amount.String(), now, id, StatusActive, now, amount.String())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减消费额度失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		key, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch {
		case key.Status == StatusRevoked:
			return nil, ErrSessionRevoked
		case key.Status != StatusActive || now >= key.ExpiresAt:
			return nil, ErrSessionExpired
		default:
			return nil, ErrSpendingLimitExceeded
		}
	}
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := key.Permissions.Clone()
	return &updated, nil
}

// MarkExpired 将密钥标记为过期，吊销状态不可回退。
func (s *MySQLStore) MarkExpired(ctx context.Context, id string) error {
	const stmt = `UPDATE session_keys SET status = ? WHERE id = ? AND status <> ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusExpired, id, StatusRevoked)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记会话密钥过期失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		key, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if key.Status == StatusRevoked {
			return ErrSessionRevoked
		}
	}
	return nil
}

// Renew 在剩余额度内延长有效期，同样以单条带条件的 UPDATE 提交。
func (s *MySQLStore) Renew(ctx context.Context, id string, newExpiry int64) (*SessionKey, error) {
	if newExpiry <= time.Now().Unix() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "新的过期时间必须晚于当前时刻")
	}

	const stmt = `UPDATE session_keys
        SET renewals_used = renewals_used + 1, expires_at = ?, status = ?
        WHERE id = ? AND status <> ? AND auto_renew = 1 AND renewals_used < max_renewals`

	res, err := s.db.ExecContext(ctx, stmt, newExpiry, StatusActive, id, StatusRevoked)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "续期会话密钥失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		key, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if key.Status == StatusRevoked {
			return nil, ErrSessionRevoked
		}
		return nil, ErrRenewalNotAllowed
	}
	return s.Get(ctx, id)
}

// Revoke 吊销密钥，幂等。
func (s *MySQLStore) Revoke(ctx context.Context, id string) error {
	const stmt = `UPDATE session_keys SET status = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusRevoked, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "吊销会话密钥失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionKey(row rowScanner) (*SessionKey, error) {
	var (
		key       SessionKey
		actions   sql.NullString
		chains    sql.NullString
		tokens    sql.NullString
		limit     sql.NullString
		used      sql.NullString
		perTxn    sql.NullString
		status    string
		autoRenew bool
	)
	if err := row.Scan(
		&key.ID,
		&key.WalletID,
		&key.UserID,
		&key.AgentID,
		&key.SignerAddress,
		&key.SmartWalletAddress,
		&status,
		&actions,
		&limit,
		&used,
		&autoRenew,
		&key.Permissions.MaxRenewals,
		&key.Permissions.RenewalsUsed,
		&chains,
		&tokens,
		&perTxn,
		&key.CreatedAt,
		&key.ExpiresAt,
		&key.LastUsedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话密钥失败")
	}

	key.Status = Status(status)
	key.Permissions.AutoRenew = autoRenew
	key.Permissions.ExpiryTime = key.ExpiresAt

	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &key.Permissions.AllowedActions); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 allowed_actions 失败")
		}
	}
	if chains.Valid && chains.String != "" {
		if err := json.Unmarshal([]byte(chains.String), &key.Permissions.AllowedChains); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 allowed_chains 失败")
		}
	}
	if tokens.Valid && tokens.String != "" {
		if err := json.Unmarshal([]byte(tokens.String), &key.Permissions.AllowedTokens); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 allowed_tokens 失败")
		}
	}

	var ok bool
	if key.Permissions.SpendingLimit, ok = parseBigColumn(limit); !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "解析 spending_limit 失败")
	}
	if key.Permissions.SpendingUsed, ok = parseBigColumn(used); !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "解析 spending_used 失败")
	}
	if perTxn.Valid && strings.TrimSpace(perTxn.String) != "" {
		value, good := new(big.Int).SetString(strings.TrimSpace(perTxn.String), 10)
		if !good {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "解析 max_amount_per_txn 失败")
		}
		key.Permissions.MaxAmountPerTxn = value
	}
	return &key, nil
}

func parseBigColumn(raw sql.NullString) (*big.Int, bool) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return new(big.Int), true
	}
	return new(big.Int).SetString(strings.TrimSpace(raw.String), 10)
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func nullableBigString(value *big.Int) any {
	if value == nil {
		return nil
	}
	return value.String()
}

var _ Store = (*MySQLStore)(nil)
