// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brwyatt/dffmpeg/internal/config"
)

// withTestConfig clears any inherited config path so loadConfig() resolves
// to the compiled-in defaults (in-memory store, plaintext key ring).
func withTestConfig(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	configPath = ""
}

func TestIdentityLifecycle_CreateGetListDelete(t *testing.T) {
	withTestConfig(t)
	// Each RunE opens its own store, so the steps share a sqlite file; a
	// fresh in-memory store per invocation would not see earlier writes.
	t.Setenv("DFFMPEG_DATABASE_DIALECT", "sqlite")
	t.Setenv("DFFMPEG_DATABASE_PATH", filepath.Join(t.TempDir(), "coordinator.db"))

	var createOut bytes.Buffer
	identityCreateCmd.SetOut(&createOut)
	identityRole = "worker"
	identityCIDRs = nil
	identitySecret = "a-fixed-test-secret"
	if err := identityCreateCmd.RunE(identityCreateCmd, []string{"worker-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(createOut.String(), "worker-1 created") {
		t.Errorf("expected creation confirmation, got %q", createOut.String())
	}

	var getOut bytes.Buffer
	identityGetCmd.SetOut(&getOut)
	if err := identityGetCmd.RunE(identityGetCmd, []string{"worker-1"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(getOut.String(), "role:          worker") {
		t.Errorf("expected role worker in output, got %q", getOut.String())
	}

	var listOut bytes.Buffer
	identityListCmd.SetOut(&listOut)
	if err := identityListCmd.RunE(identityListCmd, nil); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(listOut.String(), "worker-1") {
		t.Errorf("expected worker-1 in list output, got %q", listOut.String())
	}

	var deleteOut bytes.Buffer
	identityDeleteCmd.SetOut(&deleteOut)
	if err := identityDeleteCmd.RunE(identityDeleteCmd, []string{"worker-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := identityGetCmd.RunE(identityGetCmd, []string{"worker-1"}); err == nil {
		t.Error("expected get to fail after delete")
	}
}

func TestIdentityCreate_RejectsUnknownRole(t *testing.T) {
	withTestConfig(t)
	identityRole = "superuser"
	identityCIDRs = nil
	identitySecret = ""

	err := identityCreateCmd.RunE(identityCreateCmd, []string{"bad-role"})
	if err == nil {
		t.Fatal("expected an error for an unknown role")
	}
	if _, ok := err.(usageError); !ok {
		t.Errorf("expected a usageError, got %T: %v", err, err)
	}
}

func TestIdentityDelete_UnknownIdentityIsUsageError(t *testing.T) {
	withTestConfig(t)

	err := identityDeleteCmd.RunE(identityDeleteCmd, []string{"does-not-exist"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(usageError); !ok {
		t.Errorf("expected a usageError, got %T: %v", err, err)
	}
}

func TestJobsList_NoJobsPrintsNothing(t *testing.T) {
	withTestConfig(t)
	jobsListState = ""
	jobsListSubmitterID = ""
	jobsListAssigneeID = ""
	jobsListLimit = 50

	var out bytes.Buffer
	jobsListCmd.SetOut(&out)
	if err := jobsListCmd.RunE(jobsListCmd, nil); err != nil {
		t.Fatalf("list: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected empty output against a fresh in-memory store, got %q", out.String())
	}
}

func TestJobsGet_UnknownJobFails(t *testing.T) {
	withTestConfig(t)
	err := jobsGetCmd.RunE(jobsGetCmd, []string{"no-such-job"})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestWorkersList_NoWorkersPrintsNothing(t *testing.T) {
	withTestConfig(t)
	workersListOnlineOnly = false

	var out bytes.Buffer
	workersListCmd.SetOut(&out)
	if err := workersListCmd.RunE(workersListCmd, nil); err != nil {
		t.Fatalf("list: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected empty output against a fresh in-memory store, got %q", out.String())
	}
}

func TestWorkersGet_UnknownWorkerFails(t *testing.T) {
	withTestConfig(t)
	err := workersGetCmd.RunE(workersGetCmd, []string{"no-such-worker"})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestKeysRotate_RejectsNonPositiveBatchSize(t *testing.T) {
	withTestConfig(t)
	rotateBatchSize = 0
	rotateLimit = 0

	err := keysRotateCmd.RunE(keysRotateCmd, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(usageError); !ok {
		t.Errorf("expected a usageError, got %T: %v", err, err)
	}
}

// keyRingConfigYAML renders a coordinator config backed by a shared sqlite
// file, so separate RunE invocations (each opening and closing its own
// store handle, exactly as separate CLI invocations would) see the same
// persisted data.
func keyRingConfigYAML(dbPath, defaultKeyID string) string {
	return `
database:
  dialect: sqlite
  path: ` + dbPath + `
auth:
  keyRing:
    - id: k1
      algorithm: aes-gcm
      secret: old-master-secret-0123456789ab
    - id: k2
      algorithm: aes-gcm
      secret: new-master-secret-0123456789ab
  defaultKeyId: ` + defaultKeyID + `
`
}

func TestKeysRotate_RotatesIdentitiesToNewDefaultKey(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "coordinator.db")
	cfgPath := filepath.Join(dir, "coordinator.yaml")
	if err := os.WriteFile(cfgPath, []byte(keyRingConfigYAML(dbPath, "k1")), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configPath = cfgPath
	t.Cleanup(func() { configPath = "" })

	identityRole = "client"
	identityCIDRs = nil
	identitySecret = "client-secret-value"
	var createOut bytes.Buffer
	identityCreateCmd.SetOut(&createOut)
	if err := identityCreateCmd.RunE(identityCreateCmd, []string{"client-1"}); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	before, err := st.IdentityGet(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("get identity before rotation: %v", err)
	}
	if before.KeyID != "k1" {
		t.Fatalf("expected identity encrypted under k1 before rotation, got %q", before.KeyID)
	}
	st.Close()

	// Point the default key ring entry at k2 and rotate.
	cfgPath2 := filepath.Join(dir, "coordinator-rotated.yaml")
	if err := os.WriteFile(cfgPath2, []byte(keyRingConfigYAML(dbPath, "k2")), 0o600); err != nil {
		t.Fatalf("write rotated config: %v", err)
	}
	configPath = cfgPath2

	rotateBatchSize = 100
	rotateLimit = 0
	var rotateOut bytes.Buffer
	keysRotateCmd.SetOut(&rotateOut)
	if err := keysRotateCmd.RunE(keysRotateCmd, nil); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !strings.Contains(rotateOut.String(), "key_id=k2") {
		t.Errorf("expected rotation output to mention k2, got %q", rotateOut.String())
	}

	st2, err := openStore(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	after, err := st2.IdentityGet(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("get identity after rotation: %v", err)
	}
	if after.KeyID != "k2" {
		t.Errorf("expected identity re-encrypted under k2, got %q", after.KeyID)
	}
}
