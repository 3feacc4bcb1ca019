// Package backup takes encrypted snapshots of the license database and
// keeps them in S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/model"
)

var (
	ErrNotConfigured = errors.New("backup not configured")
	ErrNotFound      = errors.New("backup not found")
)

// s3Client is the subset of *s3.Client the manager uses.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store persists backup records.
type Store interface {
	CreateBackup(ctx context.Context, filename, objectKey string, at time.Time) (*model.Backup, error)
	BackupByID(ctx context.Context, id int64) (*model.Backup, error)
	UpdateBackupStatus(ctx context.Context, id int64, status model.BackupStatus, errorMsg string) error
	CompleteBackup(ctx context.Context, id, sizeBytes int64, at time.Time) error
	DeleteBackupsBefore(ctx context.Context, before time.Time) ([]string, error)
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3         S3Config
	Passphrase string
	// Prefix is prepended to every object key.
	Prefix string
	// RetentionDays is how long backups are kept. Defaults to 30.
	RetentionDays int
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called whenever the manager state changes.
type StatusCallback func(Status)

type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback
	clock    ledger.Clock
	logger   *slog.Logger

	db     *sql.DB
	store  Store
	client s3Client
}

type Option func(*Manager)

func WithCallback(cb StatusCallback) Option {
	return func(m *Manager) { m.callback = cb }
}

func WithClock(c ledger.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a manager that stays disabled until both the bucket
// credentials and a passphrase are set.
func NewManager(cfg Config, db *sql.DB, st Store, opts ...Option) *Manager {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	m := &Manager{
		cfg:    cfg,
		db:     db,
		store:  st,
		clock:  ledger.SystemClock,
		logger: slog.Default(),
		status: Status{State: StateDisabled},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "backup")

	if cfg.S3.complete() && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Configured reports whether backups can run.
func (m *Manager) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

func (m *Manager) target() (s3Client, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, "", ErrNotConfigured
	}
	return m.client, m.cfg.S3.Bucket, nil
}

// RunNow snapshots the database, encrypts the snapshot and uploads it.
// It returns the id of the backup record.
func (m *Manager) RunNow(ctx context.Context) (int64, error) {
	client, bucket, err := m.target()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	if m.status.InProgress {
		m.mu.Unlock()
		return 0, errors.New("backup already running")
	}
	m.status.InProgress = true
	m.mu.Unlock()

	m.setStatus(Status{State: StateRunning, InProgress: true})

	now := m.clock.Now()
	filename := fmt.Sprintf("licenses-%s.db.enc", ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()))
	record, err := m.store.CreateBackup(ctx, filename, m.cfg.Prefix+filename, now)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return 0, fmt.Errorf("create backup record: %w", err)
	}

	size, err := m.upload(ctx, client, bucket, record)
	if err != nil {
		if uerr := m.store.UpdateBackupStatus(ctx, record.ID, model.BackupFailed, err.Error()); uerr != nil {
			m.logger.Warn("mark backup failed", "backup_id", record.ID, "error", uerr)
		}
		m.setStatus(Status{State: StateError, Error: err.Error()})
		metrics.BackupsTotal.WithLabelValues("failed").Inc()
		m.logger.Error("backup failed", "backup_id", record.ID, "error", err)
		return 0, err
	}

	done := m.clock.Now()
	if err := m.store.CompleteBackup(ctx, record.ID, size, done); err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return 0, err
	}
	m.setStatus(Status{State: StateIdle, LastBackup: &done})
	metrics.BackupsTotal.WithLabelValues("completed").Inc()
	m.logger.Info("backup uploaded", "backup_id", record.ID, "key", record.ObjectKey, "size", size)
	return record.ID, nil
}

func (m *Manager) upload(ctx context.Context, client s3Client, bucket string, record *model.Backup) (int64, error) {
	if err := m.store.UpdateBackupStatus(ctx, record.ID, model.BackupUploading, ""); err != nil {
		return 0, err
	}

	plain, err := m.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	sealed, err := Seal(plain, m.cfg.Passphrase)
	if err != nil {
		return 0, fmt.Errorf("encrypt: %w", err)
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(record.ObjectKey),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}
	return int64(len(sealed)), nil
}

// snapshot copies the live database with VACUUM INTO, which yields a
// consistent file while writers keep running.
func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "licensed-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Restore downloads backup id, decrypts it, checks its integrity and
// writes it to dst. dst must not exist; the live database is never
// touched.
func (m *Manager) Restore(ctx context.Context, id int64, dst string) error {
	client, bucket, err := m.target()
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("restore target %s already exists", dst)
	}

	record, err := m.store.BackupByID(ctx, id)
	if err != nil {
		return err
	}
	if !record.Restorable() {
		return fmt.Errorf("backup %d: %w", id, ErrNotFound)
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(record.ObjectKey),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	sealed, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		return fmt.Errorf("read backup object: %w", err)
	}

	plain, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("decrypt backup %d: %w", id, err)
	}

	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, plain, 0o600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	defer os.Remove(tmp)

	if err := checkIntegrity(ctx, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("move restored db: %w", err)
	}
	m.logger.Info("backup restored", "backup_id", id, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Cleanup deletes backups older than the retention period and returns how
// many records were removed. Object deletion failures are logged.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	client, bucket, err := m.target()
	if err != nil {
		return 0, nil
	}

	before := m.clock.Now().Add(-ledger.Days(m.cfg.RetentionDays))
	keys, err := m.store.DeleteBackupsBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("old backups removed", "count", len(keys))
	}
	return len(keys), nil
}
