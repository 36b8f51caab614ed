package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "WAMP-Orchestrator/internal/errors"
)

// RegistrationRecord 表示一次注册或订阅请求的最终结果。
type RegistrationRecord struct {
	Plugin         string `json:"plugin"`
	Session        uint64 `json:"session"`
	Kind           string `json:"kind"`
	URI            string `json:"uri"`
	Match          string `json:"match"`
	Status         string `json:"status"`
	RegistrationID uint64 `json:"registration_id,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// RegistrationRepository 抽象注册结果的持久化接口。
type RegistrationRepository interface {
	Save(ctx context.Context, record RegistrationRecord) error
	ListLatest(ctx context.Context, limit int) ([]RegistrationRecord, error)
	Close() error
}

// memoryCapacity 为内存登记簿保留的最大记录数。
const memoryCapacity = 512

// MemoryRegistrationRepository 将记录追加写入本地 JSON 日志，并在内存中保留最近的记录。
type MemoryRegistrationRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RegistrationRecord
}

// NewMemoryRegistrationRepository 创建内存登记簿，并从已有日志恢复记录。
func NewMemoryRegistrationRepository(dataDir string) (*MemoryRegistrationRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryRegistrationRepository{dataFile: filepath.Join(dataDir, "registrations.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录注册结果。
func (m *MemoryRegistrationRepository) Save(_ context.Context, record RegistrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开注册日志失败", xerrors.WithSeverity(xerrors.SeverityWarning))
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化注册记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入注册日志失败", xerrors.WithSeverity(xerrors.SeverityWarning))
	}

	m.records = append([]RegistrationRecord{record}, m.records...)
	if len(m.records) > memoryCapacity {
		m.records = m.records[:memoryCapacity]
	}
	return nil
}

// ListLatest 返回最近的注册记录，按写入时间倒序排列。
func (m *MemoryRegistrationRepository) ListLatest(_ context.Context, limit int) ([]RegistrationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]RegistrationRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 无需释放资源。
func (m *MemoryRegistrationRepository) Close() error { return nil }

func (m *MemoryRegistrationRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取注册日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []RegistrationRecord
	for scanner.Scan() {
		var record RegistrationRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]RegistrationRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析注册日志失败: %w", err)
	}

	if len(restored) > memoryCapacity {
		restored = restored[:memoryCapacity]
	}
	m.records = restored
	return nil
}

// SQLRegistrationRepository 使用 MySQL 存储注册结果。
type SQLRegistrationRepository struct {
	db *sql.DB
}

// NewSQLRegistrationRepository 创建连接池并执行尚未应用的迁移。
func NewSQLRegistrationRepository(ctx context.Context, cfg Config) (*SQLRegistrationRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRegistrationRepository{db: db}, nil
}

const insertRegistrationSQL = `INSERT INTO registrations
    (plugin, session_id, kind, uri, match_policy, status, registration_id, error, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const listRegistrationsSQL = `SELECT plugin, session_id, kind, uri, match_policy, status, registration_id, error, created_at
    FROM registrations ORDER BY id DESC LIMIT ?`

// Save 将注册结果写入 MySQL。
func (s *SQLRegistrationRepository) Save(ctx context.Context, record RegistrationRecord) error {
	if _, err := s.db.ExecContext(ctx, insertRegistrationSQL,
		record.Plugin,
		record.Session,
		record.Kind,
		record.URI,
		record.Match,
		record.Status,
		record.RegistrationID,
		record.Error,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 MySQL 失败", xerrors.WithMetadata("plugin", record.Plugin))
	}
	return nil
}

// ListLatest 查询最近的若干条注册记录。
func (s *SQLRegistrationRepository) ListLatest(ctx context.Context, limit int) ([]RegistrationRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, listRegistrationsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询注册记录失败")
	}
	defer rows.Close()

	var records []RegistrationRecord
	for rows.Next() {
		var r RegistrationRecord
		if err := rows.Scan(&r.Plugin, &r.Session, &r.Kind, &r.URI, &r.Match, &r.Status, &r.RegistrationID, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析注册记录失败: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历注册记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRegistrationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
