package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/orderbook"
)

func testBootstrap() Bootstrap {
	return Bootstrap{Market: orderbook.MarketBTCUSD, User: "default_user", Balance: 10_000_000}
}

func sampleState(t *testing.T) engine.State {
	t.Helper()
	st := testBootstrap().State()
	e, err := engine.New(engine.Config{Markets: []orderbook.Market{orderbook.MarketBTCUSD}}, &st, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()
	if _, err := e.CreateOrder(ctx, orderbook.MarketBTCUSD, 100, 5, orderbook.SideSell, "default_user"); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if _, err := e.CreateOrder(ctx, orderbook.MarketBTCUSD, 99, 2, orderbook.SideBuy, "default_user"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	return e.Snapshot()
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewStore(path)
	st := sampleState(t)

	if err := store.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(*loaded, st) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", *loaded, st)
	}

	// 覆盖写不留下临时文件
	if err := store.Save(st); err != nil {
		t.Fatalf("second save: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot file, got %d entries", len(entries))
	}
}

func TestStoreDocumentShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := NewStore(path).Save(testBootstrap().State()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, key := range []string{`"orderbooks"`, `"balances"`, `"default_user"`, `"available":10000000`} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("expected %s in %s", key, raw)
		}
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "none.json")).Load()
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadOrBootstrap(t *testing.T) {
	dir := t.TempDir()

	st, restored := LoadOrBootstrap(NewStore(filepath.Join(dir, "missing.json")), testBootstrap(), nil)
	if restored {
		t.Fatal("expected bootstrap for missing file")
	}
	if b := st.Balances["default_user"]["USD"]; b.Available != 10_000_000 {
		t.Fatalf("expected seeded USD, got %+v", b)
	}
	if b := st.Balances["default_user"]["BTC"]; b.Available != 10_000_000 {
		t.Fatalf("expected seeded BTC, got %+v", b)
	}
	if len(st.OrderBooks) != 1 || st.OrderBooks[0].Market != orderbook.MarketBTCUSD {
		t.Fatalf("expected one BTC_USD book, got %+v", st.OrderBooks)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte(`{"orderbooks": [`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, restored := LoadOrBootstrap(NewStore(corrupt), testBootstrap(), nil); restored {
		t.Fatal("expected bootstrap for corrupt file")
	}

	good := filepath.Join(dir, "good.json")
	want := sampleState(t)
	if err := NewStore(good).Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, restored := LoadOrBootstrap(NewStore(good), testBootstrap(), nil)
	if !restored || !reflect.DeepEqual(got, want) {
		t.Fatalf("expected restored state, got restored=%v %+v", restored, got)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]engine.State{
		"unknown market": {OrderBooks: []orderbook.BookState{{Market: "DOGE_EUR"}}},
		"duplicate market": {OrderBooks: []orderbook.BookState{
			{Market: orderbook.MarketBTCUSD}, {Market: orderbook.MarketBTCUSD},
		}},
		"overfilled order": {OrderBooks: []orderbook.BookState{{
			Market: orderbook.MarketBTCUSD,
			Bids:   []orderbook.Order{{OrderID: "a", Side: orderbook.SideBuy, Price: 1, Quantity: 1, Filled: 2}},
		}}},
		"negative balance": {Balances: map[string]map[string]engine.Balance{"u": {"USD": {Locked: -1}}}},
	}
	for name, st := range cases {
		st := st
		if err := Validate(&st); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	good := sampleState(t)
	if err := Validate(&good); err != nil {
		t.Fatalf("expected valid state, got %v", err)
	}
}

type countingSource struct {
	calls atomic.Int64
	st    engine.State
}

func (s *countingSource) Snapshot() engine.State {
	s.calls.Add(1)
	return s.st
}

func TestJobRunOnceAndStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	src := &countingSource{st: testBootstrap().State()}
	job := NewJob(NewStore(path), src, time.Hour, nil)

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected final save on stop, got %d snapshots", src.calls.Load())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}
	if ok, _, lastErr := job.Healthy(time.Now(), time.Minute); !ok || lastErr != "" {
		t.Fatalf("expected healthy job, got ok=%v err=%q", ok, lastErr)
	}
}

func TestJobSchedules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	src := &countingSource{st: testBootstrap().State()}
	job := NewJob(NewStore(path), src, time.Second, nil)

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for src.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if err := job.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if src.calls.Load() < 2 {
		t.Fatalf("expected scheduled run plus final save, got %d", src.calls.Load())
	}
}

func TestJobWriteFailureIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "snapshot.json")
	job := NewJob(NewStore(path), &countingSource{st: testBootstrap().State()}, time.Hour, nil)

	if err := job.RunOnce(); err == nil {
		t.Fatal("expected write error")
	}
	if _, _, lastErr := job.Healthy(time.Now(), time.Minute); lastErr == "" {
		t.Fatal("expected last error to be recorded")
	}
}
