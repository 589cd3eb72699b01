package vaultapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"multivault/gateway/middleware"
	"multivault/native/fees"
	"multivault/native/feesink"
	"multivault/native/fixedpoint"
	"multivault/native/vault"
	"multivault/native/vault/curve"
	"multivault/storage"
)

const writeSecret = "vaultapi-test-secret"

type writeFixture struct {
	ledger  *vault.Ledger
	wallet  *feesink.WalletLedger
	handler http.Handler
}

func newWriteFixture(t *testing.T) *writeFixture {
	t.Helper()
	registry := curve.NewRegistry()
	_, err := registry.Register(curve.NewLinear())
	require.NoError(t, err)

	ledger := vault.NewLedger(registry, fees.Static{EntryFeeBps: 100, ProtocolFeeBps: 50, EntityWalletFeeBps: 100})
	ledger.SetStore(storage.NewKVStore(storage.NewMemDB()))
	ledger.SetNowFunc(func() int64 { return now })
	wallet, err := feesink.NewWalletLedger(storage.NewKVStore(storage.NewMemDB()))
	require.NoError(t, err)
	ledger.SetFeeSink(wallet)

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: writeSecret}, nil)
	require.NoError(t, err)
	handler, err := New(Config{Ledger: ledger, Curves: registry, Writer: ledger, Wallet: wallet, Auth: auth})
	require.NoError(t, err)
	return &writeFixture{ledger: ledger, wallet: wallet, handler: handler}
}

func bearer(t *testing.T, subject, scope string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"exp":   time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(writeSecret))
	require.NoError(t, err)
	return token
}

func (f *writeFixture) post(t *testing.T, path, token string, body interface{}, want int, out interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	require.Equal(t, want, res.Code, res.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), out))
	}
}

func TestWriteRoutesRequireToken(t *testing.T) {
	f := newWriteFixture(t)
	body := depositBody{Assets: tenWad().Dec()}
	f.post(t, vaultPath("/deposit"), "", body, http.StatusUnauthorized, nil)

	// Write scope cannot sweep or claim.
	token := bearer(t, alice.Hex(), middleware.ScopeWrite)
	f.post(t, "/v1/fees/protocol/0/sweep", token, nil, http.StatusForbidden, nil)
	f.post(t, "/v1/wallet/"+term.Hex()+"/claim", token, nil, http.StatusForbidden, nil)

	var resp errorResponse
	f.post(t, vaultPath("/deposit"), bearer(t, "operator", middleware.ScopeWrite), body, http.StatusForbidden, &resp)
	require.Equal(t, "forbidden", resp.Reason)

	exists, err := f.ledger.VaultExists(term, 0)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDepositAndRedeemThroughAPI(t *testing.T) {
	f := newWriteFixture(t)
	token := bearer(t, alice.Hex(), middleware.ScopeWrite)

	var dep depositResponse
	f.post(t, vaultPath("/deposit"), token, depositBody{Assets: tenWad().Dec()}, http.StatusOK, &dep)
	require.True(t, dep.Initialized)
	require.Equal(t, term.Hex(), dep.TermID)
	require.NotEmpty(t, dep.OperationID)

	shares, err := f.ledger.GetShares(alice, term, 0)
	require.NoError(t, err)
	require.Equal(t, shares.Dec(), dep.Shares)
	require.Equal(t, new(uint256.Int).Div(tenWad(), uint256.NewInt(100)).Dec(), dep.Fees.EntityWallet)

	var claimable map[string]string
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/wallet/"+term.Hex(), nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &claimable))
	require.Equal(t, dep.Fees.EntityWallet, claimable["claimable"])

	half := new(uint256.Int).Div(shares, uint256.NewInt(2))
	var red redeemResponse
	f.post(t, vaultPath("/redeem"), token, redeemBody{Shares: half.Dec(), Receiver: bob.Hex()}, http.StatusOK, &red)
	require.Equal(t, half.Dec(), red.SharesUsed)

	// Without a payer the payout waits as a credit for the receiver.
	payout, err := f.ledger.PendingPayout(bob)
	require.NoError(t, err)
	require.Equal(t, payout.Dec(), red.Assets)

	// Tokens act only for their own subject.
	var resp errorResponse
	f.post(t, vaultPath("/redeem"), bearer(t, bob.Hex(), middleware.ScopeWrite), redeemBody{Shares: "1"}, http.StatusUnprocessableEntity, &resp)
	require.Equal(t, "insufficient_shares", resp.Reason)
}

func TestWriteErrorsMapToStatus(t *testing.T) {
	f := newWriteFixture(t)
	token := bearer(t, alice.Hex(), middleware.ScopeWrite)

	var resp errorResponse
	f.post(t, vaultPath("/deposit"), token, depositBody{Assets: "1000"}, http.StatusUnprocessableEntity, &resp)
	require.Equal(t, "deposit_too_small", resp.Reason)

	f.post(t, vaultPath("/deposit"), token, depositBody{Assets: tenWad().Dec(), MinShares: fixedpoint.Max().Dec()}, http.StatusUnprocessableEntity, &resp)
	require.Equal(t, "slippage_exceeded", resp.Reason)

	f.post(t, "/v1/vaults/"+term.Hex()+"/9/deposit", token, depositBody{Assets: tenWad().Dec()}, http.StatusNotFound, &resp)
	require.Equal(t, "curve_not_found", resp.Reason)

	f.post(t, vaultPath("/redeem"), token, redeemBody{Shares: "10"}, http.StatusNotFound, &resp)
	require.Equal(t, "vault_not_found", resp.Reason)

	f.post(t, vaultPath("/deposit"), token, depositBody{Assets: "-1"}, http.StatusBadRequest, &resp)
	require.Equal(t, "bad_request", resp.Reason)
	f.post(t, vaultPath("/deposit"), token, map[string]string{"assets": "1", "extra": "x"}, http.StatusBadRequest, nil)
	f.post(t, vaultPath("/deposit"), token, depositBody{}, http.StatusBadRequest, nil)
	f.post(t, vaultPath("/deposit"), token, depositBody{Assets: "1", Receiver: "nobody"}, http.StatusBadRequest, nil)
}

func TestBatchRoutesAreAllOrNothing(t *testing.T) {
	f := newWriteFixture(t)
	token := bearer(t, alice.Hex(), middleware.ScopeWrite)
	other := common.HexToHash("0x5678")

	var deposits []depositResponse
	f.post(t, "/v1/batch/deposit", token, batchBody{Items: []batchItem{
		{TermID: term.Hex(), CurveID: 0, Amount: tenWad().Dec()},
		{TermID: other.Hex(), CurveID: 0, Amount: tenWad().Dec()},
	}}, http.StatusOK, &deposits)
	require.Len(t, deposits, 2)

	var resp errorResponse
	f.post(t, "/v1/batch/redeem", token, batchBody{Items: []batchItem{
		{TermID: term.Hex(), CurveID: 0, Amount: "1000"},
		{TermID: other.Hex(), CurveID: 0, Amount: fixedpoint.Max().Dec()},
	}}, http.StatusUnprocessableEntity, &resp)
	require.Equal(t, "insufficient_shares", resp.Reason)
	shares, err := f.ledger.GetShares(alice, term, 0)
	require.NoError(t, err)
	require.Equal(t, deposits[0].Shares, shares.Dec())

	var redeems []redeemResponse
	f.post(t, "/v1/batch/redeem", token, batchBody{Items: []batchItem{
		{TermID: term.Hex(), CurveID: 0, Amount: "1000"},
		{TermID: other.Hex(), CurveID: 0, Amount: "1000"},
	}}, http.StatusOK, &redeems)
	require.Len(t, redeems, 2)

	f.post(t, "/v1/batch/deposit", token, batchBody{}, http.StatusUnprocessableEntity, &resp)
	require.Equal(t, "array_length_mismatch", resp.Reason)
	f.post(t, "/v1/batch/deposit", token, batchBody{Items: []batchItem{{TermID: "0x12", Amount: "1"}}}, http.StatusBadRequest, nil)
}

func TestAdminRoutesSweepClaimAndRetry(t *testing.T) {
	f := newWriteFixture(t)
	writer := bearer(t, alice.Hex(), middleware.ScopeWrite)
	admin := bearer(t, "treasury", middleware.ScopeAdmin)

	var dep depositResponse
	f.post(t, vaultPath("/deposit"), writer, depositBody{Assets: tenWad().Dec()}, http.StatusOK, &dep)

	epoch := f.ledger.FeeEpoch()
	epochPath := "/v1/fees/protocol/" + strconv.FormatUint(epoch, 10) + "/sweep"
	accrued, err := f.ledger.AccumulatedProtocolFees(epoch)
	require.NoError(t, err)
	require.False(t, accrued.IsZero())

	var swept map[string]interface{}
	f.post(t, epochPath, admin, nil, http.StatusOK, &swept)
	require.Equal(t, accrued.Dec(), swept["amount"])
	f.post(t, epochPath, admin, nil, http.StatusOK, &swept)
	require.Equal(t, "0", swept["amount"])

	var claimed map[string]string
	f.post(t, "/v1/wallet/"+term.Hex()+"/claim", admin, nil, http.StatusOK, &claimed)
	require.Equal(t, dep.Fees.EntityWallet, claimed["claimed"])
	var resp errorResponse
	f.post(t, "/v1/wallet/"+term.Hex()+"/claim", admin, nil, http.StatusConflict, &resp)
	require.Equal(t, "nothing_to_claim", resp.Reason)

	require.NoError(t, f.ledger.RecordFeeCredit(term, uint256.NewInt(7)))
	var report vault.RetryReport
	f.post(t, "/v1/credits/retry", admin, nil, http.StatusOK, &report)
	require.Equal(t, vault.RetryReport{Delivered: 1}, report)
	claimable, err := f.wallet.Claimable(term)
	require.NoError(t, err)
	require.Equal(t, uint64(7), claimable.Uint64())
}

func TestWriteRoutesAbsentWithoutAuth(t *testing.T) {
	f := newAPIFixture(t, false, middleware.RateLimit{})
	req := httptest.NewRequest(http.MethodPost, vaultPath("/deposit"), strings.NewReader(`{"assets":"1"}`))
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = httptest.NewRecorder()
	f.handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/batch/deposit", nil))
	require.Equal(t, http.StatusNotFound, res.Code)
}
