package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/copadhq/copad/copad"
)

const redisBackupDepth = 16

type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(ctx context.Context, url string) (*RedisStorage, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

func (self *RedisStorage) Close() {
	self.client.Close()
}

func projectKey(name string) string {
	return "copad:project:" + name
}

func backupKey(name string) string {
	return "copad:backup:" + name
}

func (self *RedisStorage) DownloadProject(ctx context.Context, name string) (*copad.Archive, error) {
	archiveBytes, err := self.client.Get(ctx, projectKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	archive := &copad.Archive{}
	if err := json.Unmarshal(archiveBytes, archive); err != nil {
		return nil, err
	}
	return archive, nil
}

func (self *RedisStorage) UploadProject(ctx context.Context, name string, archive *copad.Archive) error {
	archiveBytes, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	return self.client.Set(ctx, projectKey(name), archiveBytes, 0).Err()
}

func (self *RedisStorage) BackupProject(ctx context.Context, name string, archive *copad.Archive) error {
	archiveBytes, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	pipe := self.client.TxPipeline()
	pipe.LPush(ctx, backupKey(name), archiveBytes)
	pipe.LTrim(ctx, backupKey(name), 0, redisBackupDepth-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (self *RedisStorage) RestoreProject(ctx context.Context, name string) (*copad.Archive, error) {
	archiveBytes, err := self.client.LIndex(ctx, backupKey(name), 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return self.DownloadProject(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	archive := &copad.Archive{}
	if err := json.Unmarshal(archiveBytes, archive); err != nil {
		return nil, err
	}
	return archive, nil
}

func (self *RedisStorage) Bind(hooks *copad.Hooks) {
	hooks.DownloadProject = self.DownloadProject
	hooks.UploadProject = self.UploadProject
	hooks.BackupProject = self.BackupProject
	hooks.RestoreProject = self.RestoreProject
}
