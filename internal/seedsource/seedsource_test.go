package seedsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/fairness"
	"fairwatch/internal/storage"
	"fairwatch/internal/storage/sqlite"
)

const blockHash = "0x8e38b4dbf6b11fcc3b9dee84fb7986e29ca0a02cecd8977c161ff7333329681e"

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

func rpcServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result any
		switch req.Method {
		case "eth_blockNumber":
			result = "0x1312d00"
		case "eth_getBlockByNumber":
			if req.Params[0] == "0x1312d00" {
				result = map[string]string{"hash": blockHash, "number": "0x1312d00", "timestamp": "0x65f0a000"}
			}
		default:
			t.Errorf("unexpected rpc method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBlockHashSource(t *testing.T) {
	srv := rpcServer(t)
	src := NewBlockHashSource(ChainOptions{RPCURL: srv.URL, Timeout: 5 * time.Second}, zerolog.Nop())
	defer src.Close()
	ctx := context.Background()

	latest, err := src.Latest(ctx)
	if err != nil || latest != 20000000 {
		t.Fatalf("latest = %d, %v", latest, err)
	}
	for _, ref := range []string{"20000000", "0x1312d00"} {
		seed, err := src.CommittedSeed(ctx, ref)
		if err != nil {
			t.Fatalf("resolve %s: %v", ref, err)
		}
		if seed != blockHash {
			t.Fatalf("resolve %s = %s", ref, seed)
		}
	}
	if _, err := src.CommittedSeed(ctx, "12"); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("unknown block should fail with ErrBlockNotFound, got %v", err)
	}
	if _, err := src.CommittedSeed(ctx, "block-twelve"); err == nil {
		t.Fatal("non-numeric ref should fail")
	}
}

func TestBlockHashSourceMissingConfig(t *testing.T) {
	src := NewBlockHashSource(ChainOptions{}, zerolog.Nop())
	if _, err := src.CommittedSeed(context.Background(), "1"); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}
}

func commitment(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func TestRevealFetcher(t *testing.T) {
	good := "f0a1b2c3d4e5"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/reveals/")
		switch ref {
		case commitment(good):
			json.NewEncoder(w).Encode(revealResponse{ServerSeed: good, HashedServerSeed: ref})
		case commitment("liar"):
			json.NewEncoder(w).Encode(revealResponse{ServerSeed: "not-the-committed-seed", HashedServerSeed: ref})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"seed not yet revealed"}`))
		}
	}))
	defer srv.Close()

	f := NewRevealFetcher(RevealOptions{BaseURL: srv.URL + "/"}, zerolog.Nop())
	ctx := context.Background()

	seed, err := f.CommittedSeed(ctx, strings.ToUpper(commitment(good)))
	if err != nil || seed != good {
		t.Fatalf("reveal = %q, %v", seed, err)
	}
	if _, err := f.CommittedSeed(ctx, commitment("liar")); !errors.Is(err, ErrCommitmentMismatch) {
		t.Fatalf("expected commitment mismatch, got %v", err)
	}
	_, err = f.CommittedSeed(ctx, commitment("unknown"))
	if err == nil || !strings.Contains(err.Error(), "seed not yet revealed") {
		t.Fatalf("api error should surface its message, got %v", err)
	}
}

type staticSource map[string]string

func (s staticSource) CommittedSeed(_ context.Context, ref string) (string, error) {
	seed, ok := s[ref]
	if !ok {
		return "", errors.New("unknown ref")
	}
	return seed, nil
}

func TestAuditorFillsFromSeedTrail(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "seeds.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.InsertSeed(ctx, storage.SeedSubmission{CasinoID: "stake", Seed: "old-seed", SubmittedBy: "alice", Timestamp: ts})
	store.InsertSeed(ctx, storage.SeedSubmission{CasinoID: "stake", Seed: "client-seed", SubmittedBy: "alice", Timestamp: ts.Add(time.Hour)})

	server := "server-seed"
	bets := []fairness.Bet{
		{ID: "b1", CommittedSeed: server, SubjectID: "alice", ReportedHash: fairness.GenerateOutcomeHash(server, "alice", "client-seed")},
		{ID: "b2", CommittedSeed: "ref:20000000", SubjectID: "alice", ClientSeed: "x", ReportedHash: fairness.GenerateOutcomeHash(blockHash, "alice", "x")},
		{ID: "b3", CommittedSeed: server, SubjectID: "alice", ReportedHash: fairness.GenerateOutcomeHash(server, "alice", "old-seed")},
	}

	a := NewAuditor(store, staticSource{"20000000": blockHash}, zerolog.Nop())
	report, err := a.Audit(ctx, "stake", bets, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Passed != 2 || report.Failed != 1 || report.Results[2].Verification.Valid {
		t.Fatalf("report %+v", report)
	}

	if _, err := NewAuditor(nil, nil, zerolog.Nop()).Audit(ctx, "stake", bets[1:2], 0); err == nil {
		t.Fatal("seed references need a source")
	}
}
