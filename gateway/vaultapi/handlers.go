package vaultapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"multivault/native/feesink"
	"multivault/native/vault"
)

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type vaultResponse struct {
	TermID      string `json:"termId"`
	CurveID     uint64 `json:"curveId"`
	Exists      bool   `json:"exists"`
	TotalAssets string `json:"totalAssets"`
	TotalShares string `json:"totalShares"`
	SharePrice  string `json:"sharePrice,omitempty"`
	// SharePriceDecimal is SharePrice divided by WAD.
	SharePriceDecimal string `json:"sharePriceDecimal,omitempty"`
}

// wadDecimal renders a WAD-scaled value as a plain decimal string.
func wadDecimal(v *uint256.Int) string {
	return decimal.NewFromBigInt(v.ToBig(), -18).String()
}

type holderResponse struct {
	Owner  string `json:"owner"`
	Shares string `json:"shares"`
}

type creditResponse struct {
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

type actorTotalResponse struct {
	Actor string `json:"actor"`
	Total string `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	reason := vault.Reason(err)
	switch {
	case errors.Is(err, errBadRequest):
		reason = "bad_request"
	case errors.Is(err, errForbidden):
		reason = "forbidden"
	case errors.Is(err, feesink.ErrNothingToClaim):
		reason = "nothing_to_claim"
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, feesink.ErrNothingToClaim):
		return http.StatusConflict
	case errors.Is(err, vault.ErrCurveNotFound), errors.Is(err, vault.ErrVaultNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrInvariantViolation):
		return http.StatusConflict
	}
	switch vault.Classify(err) {
	case vault.ClassEconomic, vault.ClassArithmetic:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func vaultParams(r *http.Request) (common.Hash, uint64, error) {
	termID, err := termParam(r)
	if err != nil {
		return common.Hash{}, 0, err
	}
	curveID, err := strconv.ParseUint(chi.URLParam(r, "curveId"), 10, 64)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("%w: curveId: %v", errBadRequest, err)
	}
	return termID, curveID, nil
}

func decodeHex(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(r *http.Request, name string) (*uint256.Int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, fmt.Errorf("%w: %s query parameter required", errBadRequest, name)
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return value, nil
}

func parseEpoch(raw string) (uint64, error) {
	epoch, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: epoch: %v", errBadRequest, err)
	}
	return epoch, nil
}

func (s *server) listCurves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.curves.List())
}

func (s *server) listVaults(w http.ResponseWriter, r *http.Request) {
	keys, err := s.ledger.Vaults()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []vault.Key{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) getVault(w http.ResponseWriter, r *http.Request) {
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exists, err := s.ledger.VaultExists(termID, curveID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.ledger.GetVault(termID, curveID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := vaultResponse{
		TermID:      termID.Hex(),
		CurveID:     curveID,
		Exists:      exists,
		TotalAssets: state.TotalAssets.Dec(),
		TotalShares: state.TotalShares.Dec(),
	}
	if exists {
		price, err := s.ledger.CurrentSharePrice(termID, curveID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.SharePrice = price.Dec()
		resp.SharePriceDecimal = wadDecimal(price)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) getPrice(w http.ResponseWriter, r *http.Request) {
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := s.ledger.CurrentSharePrice(termID, curveID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sharePrice":        price.Dec(),
		"sharePriceDecimal": wadDecimal(price),
	})
}

func (s *server) getHolders(w http.ResponseWriter, r *http.Request) {
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	holdings, err := s.ledger.Holders(termID, curveID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]holderResponse, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, holderResponse{Owner: h.Owner.Hex(), Shares: h.Shares.Dec()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getShares(w http.ResponseWriter, r *http.Request) {
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := parseAddress(chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := s.ledger.GetShares(owner, termID, curveID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holderResponse{Owner: owner.Hex(), Shares: shares.Dec()})
}

func (s *server) previewDeposit(w http.ResponseWriter, r *http.Request) {
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assets, err := parseAmount(r, "assets")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, net, err := s.ledger.PreviewDeposit(termID, curveID, assets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assets":          assets.Dec(),
		"assetsAfterFees": net.Dec(),
		"shares":          shares.Dec(),
	})
}

func (s *server) previewRedeem(w http.ResponseWriter, r *http.Request) {
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := parseAmount(r, "shares")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assets, used, err := s.ledger.PreviewRedeem(termID, curveID, shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assetsAfterFees": assets.Dec(),
		"sharesUsed":      used.Dec(),
	})
}

func (s *server) listCredits(w http.ResponseWriter, r *http.Request) {
	feeCredits, payouts, err := s.ledger.PendingCredits()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fees := make([]creditResponse, 0, len(feeCredits))
	for _, c := range feeCredits {
		fees = append(fees, creditResponse{Beneficiary: c.TermID.Hex(), Amount: c.Amount.Dec()})
	}
	pay := make([]creditResponse, 0, len(payouts))
	for _, c := range payouts {
		pay = append(pay, creditResponse{Beneficiary: c.Receiver.Hex(), Amount: c.Amount.Dec()})
	}
	writeJSON(w, http.StatusOK, map[string][]creditResponse{"fees": fees, "payouts": pay})
}

func (s *server) protocolFees(w http.ResponseWriter, r *http.Request) {
	epoch := s.ledger.FeeEpoch()
	if raw := chi.URLParam(r, "epoch"); raw != "" {
		parsed, err := parseEpoch(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		epoch = parsed
	}
	amount, err := s.ledger.AccumulatedProtocolFees(epoch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"epoch": epoch, "amount": amount.Dec()})
}

func (s *server) requireUtilization(w http.ResponseWriter) bool {
	if s.utilization == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "utilization tracking disabled"})
		return false
	}
	return true
}

func (s *server) utilizationEpochs(w http.ResponseWriter, r *http.Request) {
	if !s.requireUtilization(w) {
		return
	}
	epochs, err := s.utilization.Epochs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if epochs == nil {
		epochs = []uint64{}
	}
	writeJSON(w, http.StatusOK, epochs)
}

func (s *server) utilizationSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireUtilization(w) {
		return
	}
	epoch, err := parseEpoch(chi.URLParam(r, "epoch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.utilization.Summary(r.Context(), epoch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actors := make([]actorTotalResponse, 0, len(summary.Actors))
	for _, a := range summary.Actors {
		actors = append(actors, actorTotalResponse{Actor: a.Actor.Hex(), Total: a.Total.String()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epoch":  summary.Epoch,
		"system": summary.System.String(),
		"actors": actors,
	})
}

func (s *server) actorUtilization(w http.ResponseWriter, r *http.Request) {
	if !s.requireUtilization(w) {
		return
	}
	epoch, err := parseEpoch(chi.URLParam(r, "epoch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := parseAddress(chi.URLParam(r, "actor"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.utilization.ActorUtilization(r.Context(), epoch, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actorTotalResponse{Actor: actor.Hex(), Total: total.String()})
}

func (s *server) audit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.CheckInvariants()
	if err != nil && report == nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, report)
}
