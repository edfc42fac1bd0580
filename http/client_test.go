package http

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	microraiden "github.com/dala-wallet/microraiden-go"
)

var (
	testSender   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testReceiver = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testContract = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// Mock channel manager for testing
type mockChannelManager struct {
	local     *microraiden.Channel
	openCalls int
	topUps    []*big.Int
}

func (m *mockChannelManager) LoadLocal(ctx context.Context, sender, receiver common.Address) (*microraiden.Channel, error) {
	if m.local == nil {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeNoChannel, "no channel found for this account", nil)
	}
	return m.local, nil
}

func (m *mockChannelManager) LoadFromLedger(ctx context.Context, sender, receiver common.Address) (*microraiden.Channel, error) {
	return nil, microraiden.NewChannelError(microraiden.ErrCodeNoChannel, "no open and valid channels found from offset 0", nil)
}

func (m *mockChannelManager) IsValid(ch *microraiden.Channel) bool {
	return ch != nil && ch.State == microraiden.ChannelOpen && ch.Remaining().Sign() > 0
}

func (m *mockChannelManager) OpenChannel(ctx context.Context, sender, receiver common.Address, deposit *big.Int) (*microraiden.Channel, error) {
	m.openCalls++
	ch := &microraiden.Channel{
		Sender:    sender,
		Receiver:  receiver,
		OpenBlock: 7,
		Deposit:   new(big.Int).Set(deposit),
		Balance:   new(big.Int),
		State:     microraiden.ChannelOpen,
	}
	m.local = ch
	return ch, nil
}

func (m *mockChannelManager) TopUp(ctx context.Context, ch *microraiden.Channel, amount *big.Int) error {
	m.topUps = append(m.topUps, new(big.Int).Set(amount))
	ch.Deposit = new(big.Int).Add(ch.Deposit, amount)
	return nil
}

func (m *mockChannelManager) CloseChannel(ctx context.Context, ch *microraiden.Channel) error {
	ch.State = microraiden.ChannelClosed
	return nil
}

func (m *mockChannelManager) Settle(ctx context.Context, ch *microraiden.Channel) error {
	ch.State = microraiden.ChannelSettled
	return nil
}

// Mock proof signer for testing
type mockProofSigner struct {
	signed     []*big.Int
	increments []*big.Int
	confirmed  []*big.Int
}

func (m *mockProofSigner) Address() common.Address {
	return testSender
}

func (m *mockProofSigner) SignBalance(ctx context.Context, ch *microraiden.Channel, balance *big.Int) (*microraiden.BalanceProof, error) {
	m.signed = append(m.signed, new(big.Int).Set(balance))
	return &microraiden.BalanceProof{Balance: new(big.Int).Set(balance), Signature: []byte("test-signature")}, nil
}

func (m *mockProofSigner) IncrementBalance(ctx context.Context, ch *microraiden.Channel, price *big.Int) (*microraiden.BalanceProof, error) {
	if ch.Remaining().Cmp(price) < 0 {
		return nil, microraiden.NewChannelError(microraiden.ErrCodeInsufficientFunds, "remaining deposit cannot cover price", nil)
	}
	m.increments = append(m.increments, new(big.Int).Set(price))
	return m.SignBalance(ctx, ch, new(big.Int).Add(ch.Balance, price))
}

func (m *mockProofSigner) Confirm(ctx context.Context, ch *microraiden.Channel, proof *microraiden.BalanceProof) error {
	if ch.Balance != nil && proof.Balance.Cmp(ch.Balance) < 0 {
		return errors.New("proof balance below committed balance")
	}
	m.confirmed = append(m.confirmed, new(big.Int).Set(proof.Balance))
	ch.Balance = new(big.Int).Set(proof.Balance)
	return nil
}

// paywallServer is an httptest paywall: POST /premium answers 402 until the
// request carries a balance proof covering the recorded balance plus the
// price, and GET /v1/channels/... serves the recorded balance.
type paywallServer struct {
	price        *big.Int
	balance      *big.Int
	posts        []http.Header
	failNextPaid bool
}

func (s *paywallServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/channels/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"balance": s.balance.String()})
	})
	mux.HandleFunc("/premium", func(w http.ResponseWriter, r *http.Request) {
		s.posts = append(s.posts, r.Header.Clone())

		if r.Header.Get(HeaderBalanceSignature) == "" {
			w.Header().Set(HeaderPrice, s.price.String())
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}

		claimed, ok := new(big.Int).SetString(r.Header.Get(HeaderBalance), 10)
		expected := new(big.Int).Add(s.balance, s.price)
		if !ok || claimed.Cmp(expected) != 0 {
			w.Header().Set(HeaderPrice, s.price.String())
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}

		if s.failNextPaid {
			s.failNextPaid = false
			http.Error(w, "storage backend down", http.StatusServiceUnavailable)
			return
		}

		s.balance = claimed
		json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
	})
	return mux
}

func testClient(t *testing.T, baseURL string, deposit *big.Int, manager *mockChannelManager, signer *mockProofSigner) *Client {
	t.Helper()
	config := &microraiden.ClientConfig{
		BaseURL:         baseURL,
		APIKey:          "test-key",
		Authorization:   "Bearer test-token",
		ContractAddress: testContract,
		Sender:          testSender,
		Receiver:        testReceiver,
		Deposit:         deposit,
	}
	client, err := NewClient(config, manager, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return client
}

func openChannel(deposit, balance int64) *microraiden.Channel {
	return &microraiden.Channel{
		Sender:    testSender,
		Receiver:  testReceiver,
		OpenBlock: 7,
		Deposit:   big.NewInt(deposit),
		Balance:   big.NewInt(balance),
		State:     microraiden.ChannelOpen,
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(&microraiden.ClientConfig{}, &mockChannelManager{}, &mockProofSigner{})
	if err == nil {
		t.Fatal("Expected configuration error")
	}
	cerr, ok := err.(*microraiden.ChannelError)
	if !ok || cerr.Code != microraiden.ErrCodeInvalidConfig {
		t.Fatalf("Expected invalid_config, got %v", err)
	}

	_, err = NewClient(nil, &mockChannelManager{}, &mockProofSigner{})
	if err == nil {
		t.Fatal("Expected error for nil config")
	}
}

func TestGetParsesJSON(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}))
	defer srv.Close()

	signer := &mockProofSigner{}
	client := testClient(t, srv.URL, big.NewInt(1000), &mockChannelManager{}, signer)

	body, err := client.Get(context.Background(), "/status", url.Values{"verbose": {"1"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "ready") {
		t.Fatalf("Unexpected body: %s", body)
	}
	if seen.Get(HeaderAPIKey) != "test-key" {
		t.Fatal("Expected API key header")
	}
	if seen.Get("Authorization") != "Bearer test-token" {
		t.Fatal("Expected authorization header")
	}
	if seen.Get("Content-Type") != "application/json" {
		t.Fatal("Expected JSON content type")
	}
	// GET never enters the payment flow.
	if len(signer.signed) != 0 {
		t.Fatalf("Expected no signing on GET, got %v", signer.signed)
	}
}

func TestGetErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, big.NewInt(1000), &mockChannelManager{}, &mockProofSigner{})

	_, err := client.Get(context.Background(), "/status", nil)
	if err == nil {
		t.Fatal("Expected an error")
	}
	cerr, ok := err.(*microraiden.ChannelError)
	if !ok || cerr.Code != microraiden.ErrCodeProtocol {
		t.Fatalf("Expected protocol error, got %v", err)
	}
	if !strings.Contains(cerr.Details["body"].(string), "upstream exploded") {
		t.Fatalf("Expected raw body in details, got %v", cerr.Details)
	}
}

func TestPostSuccessBypassesPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"result": "free"})
	}))
	defer srv.Close()

	manager := &mockChannelManager{}
	signer := &mockProofSigner{}
	client := testClient(t, srv.URL, big.NewInt(1000), manager, signer)

	body, err := client.Post(context.Background(), "/premium", map[string]string{"q": "hello"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "free") {
		t.Fatalf("Unexpected body: %s", body)
	}
	if manager.openCalls != 0 || len(signer.signed) != 0 {
		t.Fatal("A 200 response must not trigger channel setup or signing")
	}
}

func TestPostPaysQuotedPrice(t *testing.T) {
	server := &paywallServer{price: big.NewInt(100), balance: big.NewInt(500)}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	manager := &mockChannelManager{local: openChannel(1000, 0)}
	signer := &mockProofSigner{}
	client := testClient(t, srv.URL, big.NewInt(1000), manager, signer)

	body, err := client.Post(context.Background(), "/premium", map[string]string{"q": "hello"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("Unexpected body: %s", body)
	}

	if len(server.posts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(server.posts))
	}
	paid := server.posts[1]
	if paid.Get(HeaderBalance) != "600" {
		t.Fatalf("Expected RDN-Balance 600, got %s", paid.Get(HeaderBalance))
	}
	if paid.Get(HeaderSenderBalance) != "600" {
		t.Fatalf("Expected mirrored sender balance, got %s", paid.Get(HeaderSenderBalance))
	}
	if paid.Get(HeaderPrice) != "100" {
		t.Fatalf("Expected echoed price 100, got %s", paid.Get(HeaderPrice))
	}
	if paid.Get(HeaderOpenBlock) != "7" {
		t.Fatalf("Expected open block 7, got %s", paid.Get(HeaderOpenBlock))
	}
	if paid.Get(HeaderContractAddress) != testContract.Hex() {
		t.Fatalf("Expected contract header, got %s", paid.Get(HeaderContractAddress))
	}
	if paid.Get(HeaderSenderAddress) != testSender.Hex() {
		t.Fatalf("Expected sender header, got %s", paid.Get(HeaderSenderAddress))
	}
	if paid.Get(HeaderReceiverAddress) != testReceiver.Hex() {
		t.Fatalf("Expected receiver header, got %s", paid.Get(HeaderReceiverAddress))
	}
	if paid.Get(HeaderBalanceSignature) == "" {
		t.Fatal("Expected balance signature header")
	}

	// Exactly one increment by the quoted price, confirmed exactly once.
	if len(signer.increments) != 1 || signer.increments[0].Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("Expected one increment of 100, got %v", signer.increments)
	}
	confirmedAt600 := 0
	for _, b := range signer.confirmed {
		if b.Cmp(big.NewInt(600)) == 0 {
			confirmedAt600++
		}
	}
	if confirmedAt600 != 1 {
		t.Fatalf("Expected exactly one confirmation at 600, got %v", signer.confirmed)
	}

	// Local bookkeeping equals the setup-time server balance plus the price.
	if manager.local.Balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("Expected confirmed channel balance 600, got %s", manager.local.Balance)
	}
}

func TestPostRecoversAfterFailedPaidRetry(t *testing.T) {
	server := &paywallServer{price: big.NewInt(100), balance: big.NewInt(500), failNextPaid: true}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	manager := &mockChannelManager{local: openChannel(1000, 0)}
	signer := &mockProofSigner{}
	client := testClient(t, srv.URL, big.NewInt(1000), manager, signer)

	// The payment confirms locally at 600 but the server errors out before
	// recording it, so its balance stays at 500.
	_, err := client.Post(context.Background(), "/premium", map[string]string{"q": "hello"})
	if err == nil {
		t.Fatal("Expected the failed paid retry to surface an error")
	}
	if manager.local.Balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("Expected local balance 600 after the failed retry, got %s", manager.local.Balance)
	}

	// The next call resyncs to the server's 500 and pays again.
	body, err := client.Post(context.Background(), "/premium", map[string]string{"q": "hello"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("Unexpected body: %s", body)
	}
	if server.balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("Expected server balance 600, got %s", server.balance)
	}
	if manager.local.Balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("Expected local balance 600, got %s", manager.local.Balance)
	}
}

func TestPostInsufficientFundsWithoutTopUp(t *testing.T) {
	server := &paywallServer{price: big.NewInt(100), balance: big.NewInt(500)}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	// Deposit 550 leaves only 50 of headroom above the server balance.
	manager := &mockChannelManager{local: openChannel(550, 0)}
	client := testClient(t, srv.URL, big.NewInt(550), manager, &mockProofSigner{})

	_, err := client.Post(context.Background(), "/premium", map[string]string{"q": "hello"})
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !microraiden.IsInsufficientFunds(err) {
		t.Fatalf("Expected insufficient-funds, got %v", err)
	}
	if len(manager.topUps) != 0 {
		t.Fatalf("Expected zero top-ups, got %v", manager.topUps)
	}
	if len(server.posts) != 1 {
		t.Fatalf("Expected no paid retry, got %d attempts", len(server.posts))
	}
}

func TestPostAutoTopUp(t *testing.T) {
	server := &paywallServer{price: big.NewInt(100), balance: big.NewInt(500)}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	manager := &mockChannelManager{local: openChannel(550, 0)}
	signer := &mockProofSigner{}
	config := &microraiden.ClientConfig{
		BaseURL:         srv.URL,
		APIKey:          "test-key",
		ContractAddress: testContract,
		Sender:          testSender,
		Receiver:        testReceiver,
		Deposit:         big.NewInt(550),
		AutoTopUp:       true,
		TopUpAmount:     big.NewInt(1000),
	}
	client, err := NewClient(config, manager, signer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	body, err := client.Post(context.Background(), "/premium", map[string]string{"q": "hello"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("Unexpected body: %s", body)
	}

	if len(manager.topUps) != 1 || manager.topUps[0].Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("Expected exactly one top-up of 1000, got %v", manager.topUps)
	}

	// Attempt 1: unpaid. Attempt 2: after top-up, payment headers cleared.
	// Attempt 3: paid.
	if len(server.posts) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(server.posts))
	}
	if server.posts[1].Get(HeaderBalanceSignature) != "" {
		t.Fatal("Expected cleared payment headers on the post-top-up attempt")
	}
	if server.posts[2].Get(HeaderBalance) != "600" {
		t.Fatalf("Expected paid retry at 600, got %s", server.posts[2].Get(HeaderBalance))
	}
}

func TestPostWithout402PriceHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, big.NewInt(1000), &mockChannelManager{}, &mockProofSigner{})

	_, err := client.Post(context.Background(), "/premium", nil)
	if err == nil {
		t.Fatal("Expected an error")
	}
	cerr, ok := err.(*microraiden.ChannelError)
	if !ok || cerr.Code != microraiden.ErrCodeProtocol {
		t.Fatalf("Expected protocol error, got %v", err)
	}
}

func TestPostErrorStatusCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, big.NewInt(1000), &mockChannelManager{}, &mockProofSigner{})

	_, err := client.Post(context.Background(), "/premium", nil)
	cerr, ok := err.(*microraiden.ChannelError)
	if !ok || cerr.Code != microraiden.ErrCodeProtocol {
		t.Fatalf("Expected protocol error, got %v", err)
	}
	if cerr.Details["status"] != 403 {
		t.Fatalf("Expected status 403 in details, got %v", cerr.Details["status"])
	}
}

func TestChannelBalanceServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	client := testClient(t, baseURL, big.NewInt(1000), &mockChannelManager{}, &mockProofSigner{})

	_, err := client.ChannelBalance(context.Background(), testSender, 7)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !microraiden.IsServerUnreachable(err) {
		t.Fatalf("Expected server-unreachable, got %v", err)
	}
}

func TestChannelBalanceParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1/channels/"+testSender.Hex()+"/7") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(HeaderAPIKey) != "test-key" {
			t.Error("Expected API key on balance query")
		}
		json.NewEncoder(w).Encode(map[string]string{"balance": "12345"})
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, big.NewInt(1000), &mockChannelManager{}, &mockProofSigner{})

	balance, err := client.ChannelBalance(context.Background(), testSender, 7)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if balance.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("Expected 12345, got %s", balance)
	}
}

func TestCloseDelegatesToManager(t *testing.T) {
	manager := &mockChannelManager{local: openChannel(1000, 100)}
	client := testClient(t, "https://api.example.com", big.NewInt(1000), manager, &mockProofSigner{})

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if manager.local.State != microraiden.ChannelClosed {
		t.Fatalf("Expected channel closed, got %s", manager.local.State)
	}
}
