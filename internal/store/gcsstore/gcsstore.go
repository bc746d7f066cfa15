// Package gcsstore keeps SeenRecords and RunCheckpoints as JSON objects in a
// Cloud Storage bucket. Object generation preconditions provide the atomic
// create-if-absent and compare-and-set the pipeline relies on.
package gcsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/store"
)

const (
	seenDir       = "seen/"
	checkpointDir = "checkpoints/"

	metaExpiry = "retention-expiry"

	// markAttempts bounds the read-then-replace loop for expired records.
	markAttempts = 3
)

// Store implements store.DedupStore and store.CheckpointStore.
type Store struct {
	client     *storage.Client
	bucketName string
	prefix     string
	retention  time.Duration
}

// New creates a Store using application default credentials.
func New(ctx context.Context, bucketName, prefix string, retention time.Duration) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return NewWithClient(client, bucketName, prefix, retention), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *storage.Client, bucketName, prefix string, retention time.Duration) *Store {
	if retention <= 0 {
		retention = store.DefaultRetention
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
		retention:  retention,
	}
}

func (s *Store) seenName(fingerprint string) string {
	return s.prefix + seenDir + fingerprint + ".json"
}

func (s *Store) checkpointName(runDate time.Time) string {
	return s.prefix + checkpointDir + model.DateKey(runDate) + ".json"
}

// dateFromCheckpointName extracts the run date key from an object name.
func (s *Store) dateFromCheckpointName(name string) (string, bool) {
	key := strings.TrimPrefix(name, s.prefix+checkpointDir)
	if key == name || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	key = strings.TrimSuffix(key, ".json")
	if _, err := model.ParseDate(key); err != nil {
		return "", false
	}
	return key, true
}

func (s *Store) object(name string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(name)
}

// IsNew reports whether no live record exists for fingerprint.
func (s *Store) IsNew(ctx context.Context, fingerprint string, asOf time.Time) (bool, error) {
	var rec model.SeenRecord
	if _, err := s.read(ctx, s.seenName(fingerprint), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return !rec.Live(asOf), nil
}

// MarkSeen creates the record only if the object does not exist, or replaces
// an expired one at the generation it was read at.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string, date time.Time) error {
	rec := store.NewSeenRecord(fingerprint, date, s.retention)
	name := s.seenName(fingerprint)
	meta := map[string]string{metaExpiry: strconv.FormatInt(rec.RetentionExpiry.UnixMilli(), 10)}

	cond := storage.Conditions{DoesNotExist: true}
	for attempt := 0; attempt < markAttempts; attempt++ {
		_, err := s.write(ctx, s.object(name).If(cond), rec, meta)
		if err == nil {
			return nil
		}
		if !isPreconditionFailed(err) {
			return err
		}

		var existing model.SeenRecord
		gen, err := s.read(ctx, name, &existing)
		switch {
		case errors.Is(err, store.ErrNotFound):
			cond = storage.Conditions{DoesNotExist: true}
			continue
		case err != nil:
			return err
		}
		if existing.Live(rec.FirstSeenDate) {
			return &store.ConflictError{Existing: existing}
		}
		cond = storage.Conditions{GenerationMatch: gen}
	}
	return fmt.Errorf("mark %s: object kept changing", fingerprint)
}

// Forget deletes the record if it was first seen on date.
func (s *Store) Forget(ctx context.Context, fingerprint string, date time.Time) error {
	name := s.seenName(fingerprint)
	var rec model.SeenRecord
	gen, err := s.read(ctx, name, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.FirstSeenDate.Equal(model.Day(date)) {
		return nil
	}

	err = s.object(name).If(storage.Conditions{GenerationMatch: gen}).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) && !isPreconditionFailed(err) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// Prune deletes expired SeenRecords, reading the expiry from object metadata.
func (s *Store) Prune(ctx context.Context, asOf time.Time) (int, error) {
	bucket := s.client.Bucket(s.bucketName)
	it := bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + seenDir})

	deleted := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("listing objects: %w", err)
		}

		expiry, err := strconv.ParseInt(attrs.Metadata[metaExpiry], 10, 64)
		if err != nil {
			var rec model.SeenRecord
			if _, err := s.read(ctx, attrs.Name, &rec); err != nil {
				continue
			}
			expiry = rec.RetentionExpiry.UnixMilli()
		}
		if expiry > asOf.UnixMilli() {
			continue
		}

		err = bucket.Object(attrs.Name).If(storage.Conditions{GenerationMatch: attrs.Generation}).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) && !isPreconditionFailed(err) {
			return deleted, fmt.Errorf("deleting object %s: %w", attrs.Name, err)
		}
		if err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// Create writes the checkpoint only if none exists for the run date.
func (s *Store) Create(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error) {
	cp.UpdatedAt = time.Now().UTC()
	obj := s.object(s.checkpointName(cp.RunDate)).If(storage.Conditions{DoesNotExist: true})
	gen, err := s.write(ctx, obj, cp, nil)
	if err != nil {
		if isPreconditionFailed(err) {
			return model.RunCheckpoint{}, store.ErrExists
		}
		return model.RunCheckpoint{}, err
	}
	cp.Version = gen
	return cp, nil
}

// Get reads the checkpoint; its Version is the object generation.
func (s *Store) Get(ctx context.Context, runDate time.Time) (model.RunCheckpoint, error) {
	var cp model.RunCheckpoint
	gen, err := s.read(ctx, s.checkpointName(runDate), &cp)
	if err != nil {
		return model.RunCheckpoint{}, err
	}
	cp.Version = gen
	return cp, nil
}

// Update overwrites the checkpoint if its generation still equals cp.Version.
func (s *Store) Update(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error) {
	cp.UpdatedAt = time.Now().UTC()
	name := s.checkpointName(cp.RunDate)
	gen, err := s.write(ctx, s.object(name).If(storage.Conditions{GenerationMatch: cp.Version}), cp, nil)
	if err != nil {
		if !isPreconditionFailed(err) {
			return model.RunCheckpoint{}, err
		}
		if _, err := s.object(name).Attrs(ctx); errors.Is(err, storage.ErrObjectNotExist) {
			return model.RunCheckpoint{}, store.ErrNotFound
		}
		return model.RunCheckpoint{}, store.ErrVersionConflict
	}
	cp.Version = gen
	return cp, nil
}

// LastCompleted scans checkpoint names newest first and returns the first completed one.
func (s *Store) LastCompleted(ctx context.Context, before time.Time) (model.RunCheckpoint, error) {
	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{Prefix: s.prefix + checkpointDir})
	limit := model.DateKey(before)

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return model.RunCheckpoint{}, fmt.Errorf("listing objects: %w", err)
		}
		if key, ok := s.dateFromCheckpointName(attrs.Name); ok && key < limit {
			keys = append(keys, key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	for _, key := range keys {
		date, _ := model.ParseDate(key)
		cp, err := s.Get(ctx, date)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.RunCheckpoint{}, err
		}
		if cp.Stage == model.StageCompleted {
			return cp, nil
		}
	}
	return model.RunCheckpoint{}, store.ErrNotFound
}

// Close closes the storage client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, v any, meta map[string]string) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshaling object: %w", err)
	}

	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = meta

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return 0, fmt.Errorf("writing object data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("closing object writer: %w", err)
	}
	return writer.Attrs().Generation, nil
}

func (s *Store) read(ctx context.Context, name string, v any) (int64, error) {
	reader, err := s.object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("opening object reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("reading object data: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshaling %s: %w", name, err)
	}
	return reader.Attrs.Generation, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
