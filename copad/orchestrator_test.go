package copad

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func testService(ctx context.Context, hooks *Hooks) *Service {
	settings := DefaultServiceSettings()
	settings.DebounceDelay = 10 * time.Millisecond
	settings.PollInterval = 5 * time.Millisecond
	return NewService(ctx, hooks, settings)
}

func loadTestProject(service *Service, name string, files map[string]string) *Project {
	fs := NewFileSystem(service.settings.LogSettings)
	for pathname, content := range files {
		fs.Create(pathname, []byte(content), false)
	}
	project := NewProject(name, fs)
	service.stateLock.Lock()
	service.projects[name] = project
	service.stateLock.Unlock()
	return project
}

func (self *Service) saveIdle(name string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queueState := self.queueState(name)
	return !queueState.saving && !queueState.saveScheduled &&
		!queueState.savePending && len(queueState.pendingActions) == 0
}

// a burst of save requests inside the debounce window coalesces into a
// single upload
func TestSaveDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lock sync.Mutex
	uploads := 0
	hooks := &Hooks{
		UploadProject: func(ctx context.Context, name string, archive *Archive) error {
			lock.Lock()
			defer lock.Unlock()
			uploads += 1
			return nil
		},
	}

	service := testService(ctx, hooks)
	defer service.Close()
	loadTestProject(service, "demo", map[string]string{"main.go": "package main\n"})

	for i := 0; i < 10; i += 1 {
		service.SaveProject("demo")
	}

	waitFor(t, 5*time.Second, func() bool {
		return service.saveIdle("demo")
	})

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, uploads, 1)
}

// queued actions run in last-in order, and the queue is flushed after the
// first failure
func TestSaveActionOrderAndFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := testService(ctx, &Hooks{})
	defer service.Close()
	loadTestProject(service, "demo", map[string]string{})

	var lock sync.Mutex
	executed := []string{}
	record := func(name string, err error) *SaveAction {
		return &SaveAction{
			Name: name,
			Execute: func(ctx context.Context) error {
				lock.Lock()
				defer lock.Unlock()
				executed = append(executed, name)
				return err
			},
		}
	}

	service.QueueSaveAction("demo", record("a", nil))
	service.QueueSaveAction("demo", record("b", nil))
	service.QueueSaveAction("demo", record("c", nil))
	waitFor(t, 5*time.Second, func() bool {
		return service.saveIdle("demo")
	})

	lock.Lock()
	assert.Equal(t, executed, []string{"c", "b", "a"})
	executed = []string{}
	lock.Unlock()

	service.QueueSaveAction("demo", record("x", nil))
	service.QueueSaveAction("demo", record("y", nil))
	service.QueueSaveAction("demo", record("z", fmt.Errorf("boom")))
	waitFor(t, 5*time.Second, func() bool {
		return service.saveIdle("demo")
	})

	// z ran first and failed, so x and y were flushed unexecuted
	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, executed, []string{"z"})
}

// an upload failure leaves the committed state unchanged so the save can be
// retried
func TestSaveFailureKeepsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hooks := &Hooks{
		UploadProject: func(ctx context.Context, name string, archive *Archive) error {
			return fmt.Errorf("storage offline")
		},
	}

	service := testService(ctx, hooks)
	defer service.Close()
	project := loadTestProject(service, "demo", map[string]string{"main.go": "v1"})

	file := project.Fs().Get("main.go")
	_, err := file.Commit()
	assert.Equal(t, err, nil)

	authorId := NewId()
	_, err = file.Log.Append(authorId, NewAddOp(authorId, OpInsert, OpArgs{Pos: 2, Text: "!"}))
	assert.Equal(t, err, nil)

	service.SaveProject("demo")
	waitFor(t, 5*time.Second, func() bool {
		return service.saveIdle("demo")
	})

	assert.Equal(t, file.Committed(), "v1")
}

func TestCloseProjectEvicts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lock sync.Mutex
	backups := 0
	closeHooks := 0
	hooks := &Hooks{
		BackupProject: func(ctx context.Context, name string, archive *Archive) error {
			lock.Lock()
			defer lock.Unlock()
			backups += 1
			return nil
		},
		ProjectCloseHook: func(ctx context.Context, name string) {
			lock.Lock()
			defer lock.Unlock()
			closeHooks += 1
		},
	}

	service := testService(ctx, hooks)
	defer service.Close()
	loadTestProject(service, "demo", map[string]string{"main.go": "x"})

	service.closeProject("demo")

	assert.Equal(t, service.Project("demo"), nil)
	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, backups, 1)
	assert.Equal(t, closeHooks, 1)
}

// close waits for an in-flight save on the same project before evicting
func TestCloseProjectWaitsForSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := testService(ctx, &Hooks{})
	defer service.Close()
	loadTestProject(service, "demo", map[string]string{})

	service.stateLock.Lock()
	service.queueState("demo").saving = true
	service.stateLock.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		service.closeProject("demo")
	}()

	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, service.Project("demo"), nil)

	service.stateLock.Lock()
	service.queueState("demo").saving = false
	service.stateLock.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not finish")
	}
	assert.Equal(t, service.Project("demo"), nil)
}

// a save still inside its debounce window counts as in flight: close must
// let it upload before evicting
func TestCloseProjectWaitsForScheduledSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lock sync.Mutex
	uploads := 0
	hooks := &Hooks{
		UploadProject: func(ctx context.Context, name string, archive *Archive) error {
			lock.Lock()
			defer lock.Unlock()
			uploads += 1
			return nil
		},
	}

	service := testService(ctx, hooks)
	defer service.Close()
	loadTestProject(service, "demo", map[string]string{"main.go": "x"})

	service.SaveProject("demo")
	service.closeProject("demo")

	assert.Equal(t, service.Project("demo"), nil)
	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, uploads, 1)
}

// a burst of save requests coalesces into one upload and one result
// broadcast, delivered to every participant exactly once
func TestSaveCompleteBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := testService(ctx, &Hooks{})
	defer service.Close()
	project := loadTestProject(service, "demo", map[string]string{"main.go": "x"})

	a := attachTestClient(ctx, service, project, "alice")
	b := attachTestClient(ctx, service, project, "bob")

	// two participants request a save inside the same debounce window
	service.SaveProject("demo")
	service.SaveProject("demo")
	waitFor(t, 5*time.Second, func() bool {
		return service.saveIdle("demo")
	})
	// the result broadcast lands after the saving flag clears
	waitFor(t, 5*time.Second, func() bool {
		return 0 < len(a.send) && 0 < len(b.send)
	})

	countComplete := func(client *Client) int {
		complete := 0
		for _, frame := range drainFrames(client) {
			if frame.Event == EventSaveComplete {
				complete += 1
			}
		}
		return complete
	}
	assert.Equal(t, countComplete(a), 1)
	assert.Equal(t, countComplete(b), 1)
}

// an open racing a close always ends attached to the incarnation the
// registry serves, never to an evicted one
func TestOpenCloseRace(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignUserToken(secret, "alice", "alice@example.com", "demo")
	assert.Equal(t, err, nil)

	for trial := 0; trial < 20; trial += 1 {
		ctx, cancel := context.WithCancel(context.Background())

		hooks := DefaultHooks(secret)
		hooks.DownloadProject = func(ctx context.Context, name string) (*Archive, error) {
			return &Archive{
				Name:  name,
				Files: map[string]*ArchiveFile{"main.go": {Content: "x"}},
			}, nil
		}

		service := testService(ctx, hooks)
		loadTestProject(service, "demo", map[string]string{"main.go": "x"})

		client := newClient(ctx, nil, service.settings)
		go service.closeProject("demo")
		service.openProject(client, &VerifyPayload{Project: "demo", Token: token})

		waitFor(t, 5*time.Second, func() bool {
			return client.Project() != nil
		})
		assert.Equal(t, client.Project(), service.Project("demo"))

		service.Close()
		cancel()
	}
}

// a failed backup never wedges the close
func TestCloseProjectBackupFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hooks := &Hooks{
		BackupProject: func(ctx context.Context, name string, archive *Archive) error {
			return fmt.Errorf("storage offline")
		},
	}

	service := testService(ctx, hooks)
	defer service.Close()
	loadTestProject(service, "demo", map[string]string{})

	service.closeProject("demo")
	assert.Equal(t, service.Project("demo"), nil)
}
