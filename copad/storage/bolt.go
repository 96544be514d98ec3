package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/copadhq/copad/copad"
)

var boltProjectsBucket = []byte("projects")
var boltBackupsBucket = []byte("backups")

// BoltStorage keeps archives in a local bolt file. The default storage for
// single-node deployments with nothing remote configured.
type BoltStorage struct {
	db *bolt.DB
}

func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltProjectsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltBackupsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStorage{db: db}, nil
}

func (self *BoltStorage) Close() error {
	return self.db.Close()
}

func (self *BoltStorage) DownloadProject(ctx context.Context, name string) (*copad.Archive, error) {
	var archive *copad.Archive
	err := self.db.View(func(tx *bolt.Tx) error {
		archiveBytes := tx.Bucket(boltProjectsBucket).Get([]byte(name))
		if archiveBytes == nil {
			return nil
		}
		archive = &copad.Archive{}
		return json.Unmarshal(archiveBytes, archive)
	})
	if err != nil {
		return nil, err
	}
	return archive, nil
}

func (self *BoltStorage) UploadProject(ctx context.Context, name string, archive *copad.Archive) error {
	archiveBytes, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltProjectsBucket).Put([]byte(name), archiveBytes)
	})
}

// BackupProject appends under a per-project sequence so older backups stay
// recoverable.
func (self *BoltStorage) BackupProject(ctx context.Context, name string, archive *copad.Archive) error {
	archiveBytes, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		backups, err := tx.Bucket(boltBackupsBucket).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		seq, err := backups.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return backups.Put(key, archiveBytes)
	})
}

func (self *BoltStorage) RestoreProject(ctx context.Context, name string) (*copad.Archive, error) {
	var archive *copad.Archive
	err := self.db.View(func(tx *bolt.Tx) error {
		backups := tx.Bucket(boltBackupsBucket).Bucket([]byte(name))
		if backups == nil {
			return nil
		}
		_, archiveBytes := backups.Cursor().Last()
		if archiveBytes == nil {
			return nil
		}
		archive = &copad.Archive{}
		return json.Unmarshal(archiveBytes, archive)
	})
	if err != nil {
		return nil, err
	}
	if archive == nil {
		return self.DownloadProject(ctx, name)
	}
	return archive, nil
}

func (self *BoltStorage) Bind(hooks *copad.Hooks) {
	hooks.DownloadProject = self.DownloadProject
	hooks.UploadProject = self.UploadProject
	hooks.BackupProject = self.BackupProject
	hooks.RestoreProject = self.RestoreProject
}
