package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "audit.log")
	config := &Config{
		Enabled:   true,
		Namespace: "test-tenant",
		Type:      FileAuditType,
		Options: map[string]interface{}{
			"file_path": logPath,
		},
	}

	logger, err := NewFileLogger(config)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, logPath
}

func TestNewLoggerFactory(t *testing.T) {
	t.Run("nil config yields noop", func(t *testing.T) {
		logger, err := NewLogger(nil)
		if err != nil {
			t.Fatalf("NewLogger(nil) failed: %v", err)
		}
		if _, ok := logger.(*NoOpLogger); !ok {
			t.Errorf("Expected NoOpLogger, got %T", logger)
		}
	})

	t.Run("disabled config yields noop", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if _, ok := logger.(*NoOpLogger); !ok {
			t.Errorf("Expected NoOpLogger, got %T", logger)
		}
	})

	t.Run("file type", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "audit.log")
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": logPath},
		})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()
		if _, ok := logger.(*FileLogger); !ok {
			t.Errorf("Expected FileLogger, got %T", logger)
		}
	})

	t.Run("file type without path", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		if err == nil {
			t.Error("Expected error for missing file_path")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: ConfigType("kafka")})
		if err == nil {
			t.Error("Expected error for unknown provider")
		}
	})
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()

	if err := logger.Log("key_create", true, map[string]interface{}{"key_id": "x"}); err != nil {
		t.Errorf("Log failed: %v", err)
	}
	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	if len(result.Events) != 0 || result.TotalCount != 0 {
		t.Errorf("NoOpLogger returned events: %+v", result)
	}
	if err = logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestFileLoggerWritesJSONLines(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	if err := logger.Log("key_create", true, map[string]interface{}{
		"key_id":    "signing",
		"algorithm": "ed25519",
		"user_id":   "operator",
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Log("key_access", false, map[string]interface{}{
		"key_id": "signing",
		"error":  "document not found",
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"action":"key_create"`) {
		t.Errorf("First line missing action: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"error":"document not found"`) {
		t.Errorf("Second line missing error: %s", lines[1])
	}
	if !strings.Contains(lines[0], `"namespace":"test-tenant"`) {
		t.Errorf("Namespace not stamped on event: %s", lines[0])
	}
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	events := []struct {
		action    string
		success   bool
		keyID     string
		algorithm string
	}{
		{"key_create", true, "alpha", "ed25519"},
		{"key_create", true, "beta", "secp256k1"},
		{"key_access", true, "alpha", "ed25519"},
		{"key_access", false, "beta", "secp256k1"},
		{"key_delete", false, "alpha", ""},
	}
	for _, e := range events {
		metadata := map[string]interface{}{"key_id": e.keyID}
		if e.algorithm != "" {
			metadata["algorithm"] = e.algorithm
		}
		if err := logger.Log(e.action, e.success, metadata); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	t.Run("by action", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "key_create"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 2 {
			t.Errorf("Expected 2 key_create events, got %d", len(result.Events))
		}
	})

	t.Run("by key id", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{KeyID: "alpha"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 3 {
			t.Errorf("Expected 3 alpha events, got %d", len(result.Events))
		}
	})

	t.Run("by algorithm", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Algorithm: "secp256k1"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 2 {
			t.Errorf("Expected 2 secp256k1 events, got %d", len(result.Events))
		}
	})

	t.Run("failures only", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 2 {
			t.Errorf("Expected 2 failed events, got %d", len(result.Events))
		}
		for _, event := range result.Events {
			if event.Success {
				t.Errorf("Success filter leaked event %s", event.ID)
			}
		}
	})

	t.Run("combined filters", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Action: "key_access", Success: &failed})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(result.Events))
		}
		if result.Events[0].KeyID != "beta" {
			t.Errorf("Wrong event matched: %+v", result.Events[0])
		}
	})

	t.Run("no match", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "key_rotate"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 0 {
			t.Errorf("Expected no events, got %d", len(result.Events))
		}
		if result.TotalCount != 5 {
			t.Errorf("TotalCount: want 5, got %d", result.TotalCount)
		}
	})
}

func TestFileLoggerTimeWindow(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	if err := logger.Log("key_create", true, nil); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	result, err := logger.Query(QueryOptions{Since: &past, Until: &future})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 1 {
		t.Errorf("Window query: expected 1 event, got %d", len(result.Events))
	}

	result, err = logger.Query(QueryOptions{Until: &past})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 0 {
		t.Errorf("Past window: expected no events, got %d", len(result.Events))
	}
}

func TestFileLoggerLimitAndOffset(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for i := 0; i < 10; i++ {
		if err := logger.Log("sign", true, map[string]interface{}{"key_id": "signing"}); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	result, err := logger.Query(QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 3 {
		t.Errorf("Limit: expected 3 events, got %d", len(result.Events))
	}
	if !result.HasMore {
		t.Error("HasMore not set with remaining events")
	}
	if result.Filtered != 10 {
		t.Errorf("Filtered: want 10, got %d", result.Filtered)
	}

	result, err = logger.Query(QueryOptions{Limit: 5, Offset: 8})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Errorf("Offset past end: expected 2 events, got %d", len(result.Events))
	}
	if result.HasMore {
		t.Error("HasMore set at end of results")
	}
}

func TestFileLoggerPassphraseFilter(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	actions := []string{"keystore_unlock", "derivation_salt_create", "key_create", "sign"}
	for _, action := range actions {
		if err := logger.Log(action, true, nil); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	result, err := logger.Query(QueryOptions{PassphraseAccess: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("Expected 2 passphrase events, got %d", len(result.Events))
	}
	for _, event := range result.Events {
		if event.Action == "key_create" || event.Action == "sign" {
			t.Errorf("Non-passphrase action matched: %s", event.Action)
		}
	}
}

func TestFileLoggerNewestFirst(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for _, id := range []string{"first", "second", "third"} {
		if err := logger.Log("key_create", true, map[string]interface{}{"key_id": id}); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(result.Events))
	}
	if result.Events[0].KeyID != "third" || result.Events[2].KeyID != "first" {
		t.Errorf("Events not sorted newest first: %s, %s, %s",
			result.Events[0].KeyID, result.Events[1].KeyID, result.Events[2].KeyID)
	}
}

func TestFileLoggerReopenAfterClose(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	if err := logger.Log("key_create", true, nil); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A closed logger reopens its file on the next write
	if err := logger.Log("key_access", true, nil); err != nil {
		t.Fatalf("Log after close failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("Expected 2 log lines after reopen, got %d", len(lines))
	}
}

func TestFileLoggerSkipsMalformedLines(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	if err := logger.Log("key_create", true, nil); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	if _, err = f.WriteString("not json at all\n"); err != nil {
		t.Fatalf("Failed to append junk: %v", err)
	}
	f.Close()

	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 1 {
		t.Errorf("Expected 1 parseable event, got %d", len(result.Events))
	}
	if result.TotalCount != 2 {
		t.Errorf("TotalCount should include unparseable lines: got %d", result.TotalCount)
	}
}
