package daemon

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"hub/internal/sshtun"
	"hub/internal/store"
	"hub/internal/types"
)

type fakeTunnel struct {
	mu         sync.Mutex
	connectErr error
	connected  map[string]bool
	connects   int
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{connected: make(map[string]bool)}
}

func (f *fakeTunnel) Connect(worker *types.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected[worker.ID] = true
	return nil
}

func (f *fakeTunnel) Disconnect(workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, workerID)
	return nil
}

func (f *fakeTunnel) IsConnected(workerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[workerID]
}

type registryFixture struct {
	repo     store.Repository
	tunnel   *fakeTunnel
	registry *WorkerRegistry
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	repo, err := store.NewBboltRepository(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	tunnel := newFakeTunnel()
	return &registryFixture{
		repo:     repo,
		tunnel:   tunnel,
		registry: NewWorkerRegistry(repo, tunnel, nil),
	}
}

func testKeyFile(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func createRequest(keyPath string) CreateWorkerRequest {
	return CreateWorkerRequest{
		Name:                  "box",
		MaxConcurrentSessions: 2,
		SSHHost:               "box.example.com",
		SSHUser:               "dev",
		SSHKeyPath:            keyPath,
	}
}

func TestEnsureLocalWorkerProvisionsAndSyncsSlots(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	worker, err := f.registry.EnsureLocalWorker(ctx, 3)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if worker.Type != types.WorkerTypeLocal || worker.MaxConcurrentSessions != 3 {
		t.Fatalf("local worker = %+v", worker)
	}

	again, err := f.registry.EnsureLocalWorker(ctx, 5)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.ID != worker.ID {
		t.Fatalf("ensure created a second local worker %s", again.ID)
	}
	if again.MaxConcurrentSessions != 5 {
		t.Fatalf("slots not synced: %d", again.MaxConcurrentSessions)
	}
}

func TestCreateWorkerRequiresSSHFields(t *testing.T) {
	f := newRegistryFixture(t)
	_, err := f.registry.Create(context.Background(), CreateWorkerRequest{Name: "box"})
	if errorKind(t, err) != ServiceErrorInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestCreateWorkerRejectsInvalidKey(t *testing.T) {
	f := newRegistryFixture(t)
	notAKey := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(notAKey, []byte("hello\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := f.registry.Create(context.Background(), createRequest(notAKey))
	if errorKind(t, err) != ServiceErrorInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if !errors.Is(err, sshtun.ErrNotAPrivateKey) {
		t.Fatalf("expected ErrNotAPrivateKey in chain, got %v", err)
	}
	if f.tunnel.connects != 0 {
		t.Fatal("connect attempted despite key rejection")
	}
	workers, err := f.registry.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("rejected worker persisted: %+v", workers)
	}
}

func TestCreateWorkerConnectsAndPersists(t *testing.T) {
	f := newRegistryFixture(t)
	worker, err := f.registry.Create(context.Background(), createRequest(testKeyFile(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if worker.Status != types.WorkerStatusConnected {
		t.Fatalf("status = %s, want connected", worker.Status)
	}
	if !f.tunnel.IsConnected(worker.ID) {
		t.Fatal("tunnel not connected")
	}
}

func TestCreateWorkerConnectFailureLeavesDisconnected(t *testing.T) {
	f := newRegistryFixture(t)
	f.tunnel.connectErr = errors.New("dial tcp: connection refused")

	worker, err := f.registry.Create(context.Background(), createRequest(testKeyFile(t)))
	if errorKind(t, err) != ServiceErrorUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	// The worker is persisted anyway so a later connect can retry.
	if worker == nil {
		t.Fatal("failed create returned no worker")
	}
	if worker.Status != types.WorkerStatusDisconnected {
		t.Fatalf("status = %s, want disconnected", worker.Status)
	}
	stored, err := f.registry.Get(context.Background(), worker.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != types.WorkerStatusDisconnected {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestConnectRetriesAfterFailure(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	f.tunnel.connectErr = errors.New("connection refused")
	worker, _ := f.registry.Create(ctx, createRequest(testKeyFile(t)))
	if worker == nil {
		t.Fatal("worker not persisted")
	}

	f.tunnel.connectErr = nil
	connected, err := f.registry.Connect(ctx, worker.ID)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if connected.Status != types.WorkerStatusConnected {
		t.Fatalf("status = %s", connected.Status)
	}
}

func TestDeleteLocalWorkerConflicts(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	local, err := f.registry.EnsureLocalWorker(ctx, 1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := f.registry.Delete(ctx, local.ID); errorKind(t, err) != ServiceErrorConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteWorkerWithActiveSessionsConflicts(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	worker, err := f.registry.Create(ctx, createRequest(testKeyFile(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.repo.Sessions().Create(ctx, &types.Session{
		ID:               "s1",
		WorkingDirectory: "/repo",
		Status:           types.SessionStatusActive,
		TargetWorkerID:   worker.ID,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := f.registry.Delete(ctx, worker.ID); errorKind(t, err) != ServiceErrorConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteDisconnectsAndRemovesWorker(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	worker, err := f.registry.Create(ctx, createRequest(testKeyFile(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.registry.Delete(ctx, worker.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.tunnel.IsConnected(worker.ID) {
		t.Fatal("tunnel still connected after delete")
	}
	if _, err := f.registry.Get(ctx, worker.ID); errorKind(t, err) != ServiceErrorNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestUpdateLocalWorkerOnlyChangesSlots(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	local, err := f.registry.EnsureLocalWorker(ctx, 1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	host := "example.com"
	if _, err := f.registry.Update(ctx, local.ID, UpdateWorkerRequest{SSHHost: &host}); errorKind(t, err) != ServiceErrorConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	slots := 4
	updated, err := f.registry.Update(ctx, local.ID, UpdateWorkerRequest{MaxConcurrentSessions: &slots})
	if err != nil {
		t.Fatalf("update slots: %v", err)
	}
	if updated.MaxConcurrentSessions != 4 {
		t.Fatalf("slots = %d", updated.MaxConcurrentSessions)
	}
}

func TestUpdateSSHFieldsBlockedByActiveSessions(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	worker, err := f.registry.Create(ctx, createRequest(testKeyFile(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.repo.Sessions().Create(ctx, &types.Session{
		ID:               "s1",
		WorkingDirectory: "/repo",
		Status:           types.SessionStatusActive,
		TargetWorkerID:   worker.ID,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	host := "other.example.com"
	if _, err := f.registry.Update(ctx, worker.ID, UpdateWorkerRequest{SSHHost: &host}); errorKind(t, err) != ServiceErrorConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Renaming does not touch the connection and stays allowed.
	name := "renamed"
	updated, err := f.registry.Update(ctx, worker.ID, UpdateWorkerRequest{Name: &name})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("name = %s", updated.Name)
	}
}

func TestUpdateSSHFieldsReconnects(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	worker, err := f.registry.Create(ctx, createRequest(testKeyFile(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := f.tunnel.connects

	host := "other.example.com"
	updated, err := f.registry.Update(ctx, worker.ID, UpdateWorkerRequest{SSHHost: &host})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.SSHHost != host {
		t.Fatalf("host = %s", updated.SSHHost)
	}
	if f.tunnel.connects != before+1 {
		t.Fatalf("expected a reconnect, connects %d -> %d", before, f.tunnel.connects)
	}
}

func TestDisconnectLocalWorkerConflicts(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	local, err := f.registry.EnsureLocalWorker(ctx, 1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.registry.Disconnect(ctx, local.ID); errorKind(t, err) != ServiceErrorConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDisconnectRemoteWorker(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	worker, err := f.registry.Create(ctx, createRequest(testKeyFile(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	disconnected, err := f.registry.Disconnect(ctx, worker.ID)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if disconnected.Status != types.WorkerStatusDisconnected {
		t.Fatalf("status = %s", disconnected.Status)
	}
	if f.tunnel.IsConnected(worker.ID) {
		t.Fatal("tunnel still connected")
	}
}
