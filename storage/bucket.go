package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

const (
	codePrefix    = "authcode-"
	contactPrefix = "contact-"
)

// codeRecord is the object stored under authcode-<code>.json.
type codeRecord struct {
	CreatedAt time.Time `json:"created_at"`
	ContactID uint32    `json:"contact_id"`
}

// contactRecord is the per-contact pointer stored under contact-<id>.json.
// It names the only code that is still valid for the contact.
type contactRecord struct {
	IssuedAt time.Time `json:"issued_at"`
	Code     string    `json:"authcode"`
}

// BucketStore keeps authorization codes as JSON objects in Cloud Storage,
// or in a local directory when localPath is set.
type BucketStore struct {
	client    *storage.Client
	logger    *slog.Logger
	locks     *keyedMutex
	localPath string
	bucket    string
}

// NewBucketStore creates a new object-backed code store.
func NewBucketStore(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *BucketStore {
	return &BucketStore{
		client:    client,
		logger:    logger,
		locks:     newKeyedMutex(),
		localPath: localPath,
		bucket:    bucket,
	}
}

func codeKey(code string) string {
	return codePrefix + code + ".json"
}

func contactKey(contactID uint32) string {
	return fmt.Sprintf("%s%d.json", contactPrefix, contactID)
}

// Issue generates a new code for contactID. The new code object is written
// before the contact pointer moves to it, and the superseded code object is
// removed last; Redeem trusts only the pointer, so the old code stops working
// the moment the pointer is written.
func (s *BucketStore) Issue(ctx context.Context, contactID uint32) (string, error) {
	unlock := s.locks.Lock(contactID)
	defer unlock()

	var previous string
	if rec, err := s.loadContact(ctx, contactID); err == nil {
		previous = rec.Code
	} else if !IsNotFound(err) {
		return "", err
	}

	code := NewCode()
	now := time.Now().UTC()
	if err := s.putJSON(ctx, codeKey(code), codeRecord{ContactID: contactID, CreatedAt: now}); err != nil {
		return "", err
	}
	if err := s.putJSON(ctx, contactKey(contactID), contactRecord{Code: code, IssuedAt: now}); err != nil {
		return "", err
	}

	if previous != "" && previous != code {
		if err := s.remove(ctx, codeKey(previous)); err != nil {
			s.logger.Warn("Failed to delete superseded code object", "contact_id", contactID, "error", err)
		}
	}

	s.logger.Info("Authorization code issued", "contact_id", contactID, "replaced_previous", previous != "")
	return code, nil
}

// Redeem returns the contact owning code, or ErrNotFound when the code is
// unknown or has been superseded.
func (s *BucketStore) Redeem(ctx context.Context, code string) (uint32, error) {
	if !validCode(code) {
		// Same answer as an unknown code.
		return 0, ErrNotFound
	}

	var rec codeRecord
	if err := s.getJSON(ctx, codeKey(code), &rec); err != nil {
		return 0, err
	}

	current, err := s.loadContact(ctx, rec.ContactID)
	if err != nil {
		return 0, err
	}
	if current.Code != code {
		return 0, ErrNotFound
	}
	return rec.ContactID, nil
}

// LookupByContact returns the live code for contactID.
func (s *BucketStore) LookupByContact(ctx context.Context, contactID uint32) (string, error) {
	rec, err := s.loadContact(ctx, contactID)
	if err != nil {
		return "", err
	}
	return rec.Code, nil
}

// Prune deletes code objects that no contact pointer names anymore, left
// behind when an Issue was interrupted before its cleanup step.
func (s *BucketStore) Prune(ctx context.Context) (int, error) {
	keys, err := s.list(ctx, codePrefix)
	if err != nil {
		return 0, err
	}

	var removed int
	for _, key := range keys {
		code := strings.TrimSuffix(strings.TrimPrefix(key, codePrefix), ".json")
		if _, err := s.Redeem(ctx, code); err == nil {
			continue
		} else if !IsNotFound(err) {
			s.logger.Warn("Failed to check code object", "key", key, "error", err)
			continue
		}
		if err := s.remove(ctx, key); err != nil {
			s.logger.Warn("Failed to prune code object", "key", key, "error", err)
			continue
		}
		removed++
	}

	s.logger.Info("Pruned stale code objects", "checked", len(keys), "removed", removed)
	return removed, nil
}

// Ping checks that the bucket or local directory is reachable.
func (s *BucketStore) Ping(ctx context.Context) error {
	if s.localPath != "" {
		if _, err := os.Stat(s.localPath); err != nil {
			return &Error{Op: "ping", Err: err}
		}
		return nil
	}
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}

func (s *BucketStore) loadContact(ctx context.Context, contactID uint32) (*contactRecord, error) {
	var rec contactRecord
	if err := s.getJSON(ctx, contactKey(contactID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BucketStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &Error{Op: "marshal", Err: err}
	}
	return s.put(ctx, key, data)
}

func (s *BucketStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Op: "unmarshal " + key, Err: err}
	}
	return nil
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(200 * time.Millisecond),
		retry.MaxDelay(2 * time.Second),
		retry.MaxJitter(500 * time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (s *BucketStore) put(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return &Error{Op: "write " + key, Err: err}
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "write", key)...,
	)
	if err != nil {
		return &Error{Op: "write " + key, Err: err}
	}
	return nil
}

func (s *BucketStore) get(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, &Error{Op: "read " + key, Err: err}
		}
		return data, nil
	}

	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "read", key)...,
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Op: "read " + key, Err: err}
	}
	return data, nil
}

func (s *BucketStore) remove(ctx context.Context, key string) error {
	// Local filesystem storage
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return &Error{Op: "delete " + key, Err: err}
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return &Error{Op: "delete " + key, Err: err}
	}
	return nil
}

func (s *BucketStore) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, &Error{Op: "list", Err: err}
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, &Error{Op: "list", Err: err}
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
