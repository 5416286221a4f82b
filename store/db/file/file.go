// Package file persists session snapshots as one JSON file per session in a
// directory. Writes go to a temporary file that is synced and renamed over the
// target, so a crash leaves either the old or the new snapshot.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/store"
)

const (
	fileExt   = ".json"
	tmpPrefix = ".tmp-"
)

type DB struct {
	dir string
}

// envelope is the on-disk layout. Data is base64 in JSON so that any bytes survive.
type envelope struct {
	Key       string `json:"key"`
	ExpiresTs int64  `json:"expires_ts"`
	UpdatedTs int64  `json:"updated_ts"`
	Data      []byte `json:"data"`
}

// NewDB opens the snapshot directory at profile.DSN, creating it if needed, and
// removes temporary files left behind by an interrupted write.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}
	if err := os.MkdirAll(profile.DSN, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create session directory %s", profile.DSN)
	}

	d := &DB{dir: profile.DSN}
	if err := d.cleanTemp(); err != nil {
		return nil, err
	}
	return d, nil
}

func (*DB) Close() error {
	return nil
}

func (d *DB) cleanTemp() error {
	matches, err := filepath.Glob(filepath.Join(d.dir, tmpPrefix+"*"))
	if err != nil {
		return errors.Wrap(err, "failed to list temporary files")
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove temporary file %s", m)
		}
	}
	if len(matches) > 0 {
		slog.Info("removed interrupted session writes", "count", len(matches), "dir", d.dir)
	}
	return nil
}

// path maps a session key to its file. Keys contain ':' and user input, so
// they are hashed rather than used as names.
func (d *DB) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+fileExt)
}

func (d *DB) UpsertSessionSnapshot(ctx context.Context, upsert *store.SessionSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(envelope{
		Key:       upsert.Key,
		ExpiresTs: upsert.ExpiresTs,
		UpdatedTs: upsert.UpdatedTs,
		Data:      upsert.Data,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot")
	}

	tmp, err := os.CreateTemp(d.dir, tmpPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close snapshot")
	}
	if err := os.Rename(tmpName, d.path(upsert.Key)); err != nil {
		return errors.Wrap(err, "failed to replace snapshot")
	}
	// The rename is only durable once the directory entry is.
	if err := syncDir(d.dir); err != nil {
		return errors.Wrap(err, "failed to sync snapshot directory")
	}
	return nil
}

// syncDir flushes the directory entries of dir. Windows cannot fsync a
// directory, so it is a no-op there.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *DB) GetSessionSnapshot(ctx context.Context, key string) (*store.SessionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snapshot, err := d.read(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// read decodes one file. A file whose envelope cannot be decoded is returned
// with its raw bytes so that the caller can report and skip it.
func (d *DB) read(path string) (*store.SessionSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Key == "" {
		return &store.SessionSnapshot{Key: strings.TrimSuffix(filepath.Base(path), fileExt), Data: raw}, nil
	}
	return &store.SessionSnapshot{
		Key:       env.Key,
		Data:      env.Data,
		ExpiresTs: env.ExpiresTs,
		UpdatedTs: env.UpdatedTs,
	}, nil
}

func (d *DB) ListSessionSnapshots(ctx context.Context, find *store.FindSessionSnapshot) ([]*store.SessionSnapshot, error) {
	paths, err := filepath.Glob(filepath.Join(d.dir, "*"+fileExt))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list session files")
	}

	list := make([]*store.SessionSnapshot, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snapshot, err := d.read(p)
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between Glob and read.
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", p)
		}
		if find.Key != nil && snapshot.Key != *find.Key {
			continue
		}
		if find.ExpiresBefore != nil && (snapshot.ExpiresTs == 0 || snapshot.ExpiresTs >= *find.ExpiresBefore) {
			continue
		}
		list = append(list, snapshot)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	if find.Limit != nil && len(list) > *find.Limit {
		list = list[:*find.Limit]
	}
	return list, nil
}

func (d *DB) DeleteSessionSnapshot(ctx context.Context, delete *store.DeleteSessionSnapshot) (int, error) {
	if delete.Key == nil && delete.ExpiresBefore == nil {
		return 0, errors.New("refusing to delete session snapshots without a filter")
	}

	if delete.Key != nil && delete.ExpiresBefore == nil {
		err := os.Remove(d.path(*delete.Key))
		if os.IsNotExist(err) {
			return 0, nil
		}
		if err != nil {
			return 0, errors.Wrapf(err, "failed to delete session %s", *delete.Key)
		}
		return 1, nil
	}

	matches, err := d.ListSessionSnapshots(ctx, &store.FindSessionSnapshot{Key: delete.Key, ExpiresBefore: delete.ExpiresBefore})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, snapshot := range matches {
		if err := os.Remove(d.path(snapshot.Key)); err != nil && !os.IsNotExist(err) {
			return n, errors.Wrapf(err, "failed to delete session %s", snapshot.Key)
		}
		n++
	}
	return n, nil
}
