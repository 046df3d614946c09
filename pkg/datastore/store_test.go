package datastore

import (
	"testing"
	"time"

	"corekv/pkg/batch"
	"corekv/pkg/types"
)

func testOptions() Options {
	return Options{
		SyncWrites:          true,
		FlushThresholdBytes: 4 << 20,
		CompactThreshold:    4,
		BloomFPRate:         0.01,
	}
}

func TestWriteBatchThenGet(t *testing.T) {
	s, err := Open(t.TempDir(), testOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := batch.New()
	b.Put(types.NamespaceData, types.Key("k1"), types.Value("v1"))
	if err := s.WriteBatch(b); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	val, ok, err := s.Get(types.NamespaceData, types.Key("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != "v1" {
		t.Fatalf("Get = %q, %v; want v1, true", val, ok)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	s, err := Open(t.TempDir(), testOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := batch.New()
	b.Put(types.NamespaceData, types.Key("k"), types.Value("data-value"))
	b.Put(types.NamespaceMeta, types.Key("k"), types.Value("meta-value"))
	if err := s.WriteBatch(b); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	dataVal, _, _ := s.Get(types.NamespaceData, types.Key("k"))
	metaVal, _, _ := s.Get(types.NamespaceMeta, types.Key("k"))
	if string(dataVal) != "data-value" {
		t.Fatalf("data ns = %q", dataVal)
	}
	if string(metaVal) != "meta-value" {
		t.Fatalf("meta ns = %q", metaVal)
	}
}

func TestDeleteHidesKey(t *testing.T) {
	s, err := Open(t.TempDir(), testOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := batch.New()
	b.Put(types.NamespaceData, types.Key("k"), types.Value("v"))
	if err := s.WriteBatch(b); err != nil {
		t.Fatalf("WriteBatch put: %v", err)
	}

	b2 := batch.New()
	b2.Delete(types.NamespaceData, types.Key("k"))
	if err := s.WriteBatch(b2); err != nil {
		t.Fatalf("WriteBatch delete: %v", err)
	}

	if _, ok, _ := s.Get(types.NamespaceData, types.Key("k")); ok {
		t.Fatal("expected key hidden after delete")
	}
}

func TestScanOrdersKeysWithinNamespace(t *testing.T) {
	s, err := Open(t.TempDir(), testOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := batch.New()
	b.Put(types.NamespaceData, types.Key("c"), types.Value("3"))
	b.Put(types.NamespaceData, types.Key("a"), types.Value("1"))
	b.Put(types.NamespaceData, types.Key("b"), types.Value("2"))
	b.Put(types.NamespaceMeta, types.Key("z"), types.Value("meta"))
	if err := s.WriteBatch(b); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	it, err := s.Scan(types.NamespaceData, nil, nil, true, true)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer it.Close()

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	b := batch.New()
	b.Put(types.NamespaceData, types.Key("k"), types.Value("v"))
	if err := s.WriteBatch(b); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, testOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	val, ok, err := reopened.Get(types.NamespaceData, types.Key("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("Get after reopen = %q, %v; want v, true", val, ok)
	}
}

func TestFlushAndCompactionPreserveData(t *testing.T) {
	opts := testOptions()
	opts.FlushThresholdBytes = 64 // tiny, forces frequent rotation
	opts.CompactThreshold = 2

	s, err := Open(t.TempDir(), opts, Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 50; i++ {
		b := batch.New()
		b.Put(types.NamespaceData, types.Key(string(rune('a'+i%26))), types.Value("v"))
		if err := s.WriteBatch(b); err != nil {
			t.Fatalf("WriteBatch %d: %v", i, err)
		}
	}

	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	val, ok, err := s.Get(types.NamespaceData, types.Key("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("Get after compaction = %q, %v", val, ok)
	}
}

func TestTTLExpiryHidesValueButKeepsMeta(t *testing.T) {
	opts := testOptions()
	opts.TTLSeconds = 1

	s, err := Open(t.TempDir(), opts, Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := batch.New()
	b.Put(types.NamespaceData, types.Key("k"), types.Value("v"))
	b.Put(types.NamespaceMeta, types.Key("CLOCK_K"), types.Value("5"))
	if err := s.WriteBatch(b); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, ok, _ := s.Get(types.NamespaceData, types.Key("k")); ok {
		t.Fatal("expected TTL-expired key to be hidden")
	}
	metaVal, ok, _ := s.Get(types.NamespaceMeta, types.Key("CLOCK_K"))
	if !ok || string(metaVal) != "5" {
		t.Fatalf("meta key should never expire, got %q, %v", metaVal, ok)
	}
}

func TestApproximateCountAndSize(t *testing.T) {
	s, err := Open(t.TempDir(), testOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := batch.New()
	for i := 0; i < 10; i++ {
		b.Put(types.NamespaceData, types.Key(string(rune('a'+i))), types.Value("v"))
	}
	if err := s.WriteBatch(b); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	count, err := s.ApproximateCount(types.NamespaceData)
	if err != nil {
		t.Fatalf("ApproximateCount: %v", err)
	}
	if count != 10 {
		t.Fatalf("count = %d, want 10", count)
	}

	size, err := s.ApproximateSize(types.NamespaceData)
	if err != nil {
		t.Fatalf("ApproximateSize: %v", err)
	}
	if size == 0 {
		t.Fatal("expected non-zero approximate size")
	}
}
