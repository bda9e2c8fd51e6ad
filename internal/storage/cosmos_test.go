package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// cosmosResponseError builds the error the SDK returns for a failed item
// request.
func cosmosResponseError(status int) error {
	return &azcore.ResponseError{
		StatusCode: status,
		RawResponse: &http.Response{
			StatusCode: status,
			Request:    httptest.NewRequest(http.MethodGet, "https://acct.documents.azure.com/", nil),
			Body:       http.NoBody,
		},
	}
}

// mockCosmosClient implements CosmosAPI over a map of item IDs.
type mockCosmosClient struct {
	mu      sync.Mutex
	items   map[string]cosmosFile
	calls   int
	batches int
	// beforeBatch runs (unlocked) at the start of CreateAndDelete.
	beforeBatch func()
	pingErr     error
}

func newMockCosmosClient() *mockCosmosClient {
	return &mockCosmosClient{items: make(map[string]cosmosFile)}
}

func (m *mockCosmosClient) CreateItem(ctx context.Context, item *cosmosFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.items[item.ID]; ok {
		return cosmosResponseError(http.StatusConflict)
	}
	m.items[item.ID] = *item
	return nil
}

func (m *mockCosmosClient) UpsertItem(ctx context.Context, item *cosmosFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.items[item.ID] = *item
	return nil
}

func (m *mockCosmosClient) ReadItem(ctx context.Context, id string) (*cosmosFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	item, ok := m.items[id]
	if !ok {
		return nil, cosmosResponseError(http.StatusNotFound)
	}
	return &item, nil
}

func (m *mockCosmosClient) DeleteItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.items[id]; !ok {
		return cosmosResponseError(http.StatusNotFound)
	}
	delete(m.items, id)
	return nil
}

func (m *mockCosmosClient) CreateAndDelete(ctx context.Context, item *cosmosFile, deleteID string) error {
	if m.beforeBatch != nil {
		m.beforeBatch()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.batches++
	if _, ok := m.items[item.ID]; ok {
		return &cosmosStatusError{Op: "create", StatusCode: http.StatusConflict}
	}
	if _, ok := m.items[deleteID]; !ok {
		return &cosmosStatusError{Op: "delete", StatusCode: http.StatusNotFound}
	}
	m.items[item.ID] = *item
	delete(m.items, deleteID)
	return nil
}

func (m *mockCosmosClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.pingErr
}

func (m *mockCosmosClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestCosmosAdapter(prefix string) (*CosmosAdapter, *mockCosmosClient) {
	mock := newMockCosmosClient()
	a := mustAdapter(NewCosmosAdapterWithClient("cosmos", CosmosOptions{Database: "db", Container: "files", Prefix: prefix}, mock))
	return a, mock
}

func TestCosmosAdapterContract(t *testing.T) {
	a, _ := newTestCosmosAdapter("exports")
	testAdapterContract(t, a)
}

func TestCosmosItemLayout(t *testing.T) {
	a, mock := newTestCosmosAdapter("exports")
	if err := a.Put(context.Background(), "2024/01.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	item, ok := mock.items[docID("exports/2024/01.json")]
	if !ok {
		t.Fatalf("item missing, have %v", mock.items)
	}
	if item.PK != "files" || item.Path != "exports/2024/01.json" || item.Size != 2 {
		t.Errorf("item = %+v", item)
	}
	if strings.Contains(item.ID, "/") {
		t.Errorf("item ID %q contains a slash", item.ID)
	}
}

func TestCosmosRenameIsOneBatch(t *testing.T) {
	a, mock := newTestCosmosAdapter("")
	ctx := context.Background()

	if err := a.Put(ctx, "src.txt", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := a.Rename(ctx, "src.txt", "dst.txt"); err != nil {
		t.Fatal(err)
	}
	if mock.batches != 1 {
		t.Errorf("batches = %d, want 1", mock.batches)
	}
	if _, ok := mock.items[docID("src.txt")]; ok {
		t.Error("source survived rename")
	}
}

func TestCosmosRenameLosesRace(t *testing.T) {
	a, mock := newTestCosmosAdapter("")
	ctx := context.Background()

	if err := a.Put(ctx, "src.txt", []byte("mine")); err != nil {
		t.Fatal(err)
	}
	mock.beforeBatch = func() {
		mock.mu.Lock()
		mock.items[docID("dst.txt")] = cosmosFile{ID: docID("dst.txt"), Data: []byte("theirs")}
		mock.mu.Unlock()
	}
	if err := a.Rename(ctx, "src.txt", "dst.txt"); !errors.Is(err, ferrors.ErrAlreadyExists) {
		t.Fatalf("Rename error = %v, want AlreadyExists", err)
	}
	if got := mock.items[docID("src.txt")]; string(got.Data) != "mine" {
		t.Errorf("source changed: %+v", got)
	}
}

func TestCosmosContentLimit(t *testing.T) {
	a, mock := newTestCosmosAdapter("")
	before := mock.callCount()
	err := a.Put(context.Background(), "big.bin", []byte(strings.Repeat("x", cosmosMaxContentBytes+1)))
	if ferrors.KindOf(err) != ferrors.KindWriteFailed {
		t.Errorf("Put error = %v, want WriteFailed", err)
	}
	if mock.callCount() != before {
		t.Error("oversized content reached the backend")
	}
}

func TestCosmosTraversalNeverCallsBackend(t *testing.T) {
	a, mock := newTestCosmosAdapter("")
	ctx := context.Background()

	before := mock.callCount()
	a.Put(ctx, "../x", []byte("x"))
	a.Get(ctx, "a/../../x")
	a.Exists(ctx, "..")
	a.Delete(ctx, "")
	a.Rename(ctx, "ok.txt", "../x")
	a.Copy(ctx, "../x", "ok.txt")
	if got := mock.callCount(); got != before {
		t.Errorf("backend received %d calls for rejected paths", got-before)
	}
}

func TestCosmosStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{cosmosResponseError(http.StatusNotFound), http.StatusNotFound},
		{&cosmosStatusError{Op: "create", StatusCode: http.StatusConflict}, http.StatusConflict},
		{errors.New("boom"), 0},
	}
	for _, tt := range tests {
		if got := cosmosStatus(tt.err); got != tt.want {
			t.Errorf("cosmosStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCosmosHealthCheck(t *testing.T) {
	a, mock := newTestCosmosAdapter("")
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	mock.pingErr = cosmosResponseError(http.StatusUnauthorized)
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("expected HealthCheck error")
	}
}
