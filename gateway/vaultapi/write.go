package vaultapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"multivault/gateway/middleware"
	"multivault/native/fees"
	"multivault/native/vault"
)

// maxBodyBytes bounds write request bodies.
const maxBodyBytes = 1 << 20

// Writer is the mutating side of the vault ledger.
type Writer interface {
	Deposit(req vault.DepositRequest) (*vault.DepositResult, error)
	Redeem(req vault.RedeemRequest) (*vault.RedeemResult, error)
	BatchDeposit(sender, receiver common.Address, termIDs []common.Hash, curveIDs []uint64, assets, minShares []*uint256.Int) ([]*vault.DepositResult, error)
	BatchRedeem(owner, receiver common.Address, termIDs []common.Hash, curveIDs []uint64, shares, minAssets []*uint256.Int) ([]*vault.RedeemResult, error)
	SweepProtocolFees(epoch uint64) (*uint256.Int, error)
	RetryPendingCredits() (vault.RetryReport, error)
}

// Wallet holds the entity-wallet fees delivered by the fee sink.
type Wallet interface {
	Claimable(termID common.Hash) (*uint256.Int, error)
	Claim(termID common.Hash) (*uint256.Int, error)
}

var errForbidden = errors.New("forbidden")

type depositBody struct {
	Receiver  string `json:"receiver,omitempty"`
	Assets    string `json:"assets"`
	MinShares string `json:"minShares,omitempty"`
}

type redeemBody struct {
	Receiver  string `json:"receiver,omitempty"`
	Shares    string `json:"shares"`
	MinAssets string `json:"minAssets,omitempty"`
}

type batchItem struct {
	TermID  string `json:"termId"`
	CurveID uint64 `json:"curveId"`
	Amount  string `json:"amount"`
	Minimum string `json:"minimum,omitempty"`
}

type batchBody struct {
	Receiver string      `json:"receiver,omitempty"`
	Items    []batchItem `json:"items"`
}

type depositFeesResponse struct {
	Entry        string `json:"entry"`
	Protocol     string `json:"protocol"`
	EntityWallet string `json:"entityWallet"`
}

type depositResponse struct {
	TermID          string              `json:"termId"`
	CurveID         uint64              `json:"curveId"`
	Shares          string              `json:"shares"`
	AssetsAfterFees string              `json:"assetsAfterFees"`
	Fees            depositFeesResponse `json:"fees"`
	TotalAssets     string              `json:"totalAssets"`
	TotalShares     string              `json:"totalShares"`
	Initialized     bool                `json:"initialized"`
	OperationID     string              `json:"operationId"`
}

type redeemResponse struct {
	TermID      string `json:"termId"`
	CurveID     uint64 `json:"curveId"`
	Assets      string `json:"assets"`
	GrossAssets string `json:"grossAssets"`
	SharesUsed  string `json:"sharesUsed"`
	ExitFee     string `json:"exitFee"`
	ProtocolFee string `json:"protocolFee"`
	TotalAssets string `json:"totalAssets"`
	TotalShares string `json:"totalShares"`
	OperationID string `json:"operationId"`
}

func newDepositResponse(res *vault.DepositResult) depositResponse {
	return depositResponse{
		TermID:          res.Key.TermID.Hex(),
		CurveID:         res.Key.CurveID,
		Shares:          res.Shares.Dec(),
		AssetsAfterFees: res.AssetsAfterFees.Dec(),
		Fees:            newDepositFees(res.Fees),
		TotalAssets:     res.Vault.TotalAssets.Dec(),
		TotalShares:     res.Vault.TotalShares.Dec(),
		Initialized:     res.Initialized,
		OperationID:     res.OperationID,
	}
}

func newDepositFees(b fees.DepositBreakdown) depositFeesResponse {
	return depositFeesResponse{
		Entry:        decOrZero(b.Entry),
		Protocol:     decOrZero(b.Protocol),
		EntityWallet: decOrZero(b.EntityWallet),
	}
}

func newRedeemResponse(res *vault.RedeemResult) redeemResponse {
	return redeemResponse{
		TermID:      res.Key.TermID.Hex(),
		CurveID:     res.Key.CurveID,
		Assets:      res.Assets.Dec(),
		GrossAssets: res.GrossAssets.Dec(),
		SharesUsed:  res.SharesUsed.Dec(),
		ExitFee:     decOrZero(res.Fees.Exit),
		ProtocolFee: decOrZero(res.Fees.Protocol),
		TotalAssets: res.Vault.TotalAssets.Dec(),
		TotalShares: res.Vault.TotalShares.Dec(),
		OperationID: res.OperationID,
	}
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: body: %v", errBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: body must hold a single JSON object", errBadRequest)
	}
	return nil
}

// callerAddress resolves the authenticated subject, which must be an address.
func callerAddress(r *http.Request) (common.Address, error) {
	subject, ok := middleware.Subject(r.Context())
	if !ok || !common.IsHexAddress(subject) {
		return common.Address{}, fmt.Errorf("%w: token subject must be an address", errForbidden)
	}
	return common.HexToAddress(subject), nil
}

// receiverOr parses raw, defaulting to fallback when it is empty.
func receiverOr(raw string, fallback common.Address) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return parseAddress(strings.TrimSpace(raw))
}

func decimalField(name, raw string, required bool) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return nil, fmt.Errorf("%w: %s required", errBadRequest, name)
		}
		return nil, nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return value, nil
}

func (s *server) deposit(w http.ResponseWriter, r *http.Request) {
	sender, err := callerAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body depositBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := receiverOr(body.Receiver, sender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assets, err := decimalField("assets", body.Assets, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minShares, err := decimalField("minShares", body.MinShares, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.writer.Deposit(vault.DepositRequest{
		Sender:    sender,
		Receiver:  receiver,
		TermID:    termID,
		CurveID:   curveID,
		Assets:    assets,
		MinShares: minShares,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDepositResponse(res))
}

func (s *server) redeem(w http.ResponseWriter, r *http.Request) {
	owner, err := callerAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	termID, curveID, err := vaultParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body redeemBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := receiverOr(body.Receiver, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := decimalField("shares", body.Shares, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minAssets, err := decimalField("minAssets", body.MinAssets, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.writer.Redeem(vault.RedeemRequest{
		Owner:     owner,
		Receiver:  receiver,
		TermID:    termID,
		CurveID:   curveID,
		Shares:    shares,
		MinAssets: minAssets,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRedeemResponse(res))
}

type batchArgs struct {
	actor    common.Address
	receiver common.Address
	termIDs  []common.Hash
	curveIDs []uint64
	amounts  []*uint256.Int
	minimums []*uint256.Int
}

func (s *server) readBatch(w http.ResponseWriter, r *http.Request) (*batchArgs, error) {
	caller, err := callerAddress(r)
	if err != nil {
		return nil, err
	}
	var body batchBody
	if err := decodeBody(w, r, &body); err != nil {
		return nil, err
	}
	receiver, err := receiverOr(body.Receiver, caller)
	if err != nil {
		return nil, err
	}
	args := &batchArgs{actor: caller, receiver: receiver}
	for i, item := range body.Items {
		termBytes, err := decodeHex(item.TermID)
		if err != nil || len(termBytes) != common.HashLength {
			return nil, fmt.Errorf("%w: items[%d].termId must be 32 hex-encoded bytes", errBadRequest, i)
		}
		amount, err := decimalField(fmt.Sprintf("items[%d].amount", i), item.Amount, true)
		if err != nil {
			return nil, err
		}
		minimum, err := decimalField(fmt.Sprintf("items[%d].minimum", i), item.Minimum, false)
		if err != nil {
			return nil, err
		}
		args.termIDs = append(args.termIDs, common.BytesToHash(termBytes))
		args.curveIDs = append(args.curveIDs, item.CurveID)
		args.amounts = append(args.amounts, amount)
		args.minimums = append(args.minimums, minimum)
	}
	return args, nil
}

func (s *server) batchDeposit(w http.ResponseWriter, r *http.Request) {
	args, err := s.readBatch(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.writer.BatchDeposit(args.actor, args.receiver, args.termIDs, args.curveIDs, args.amounts, args.minimums)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]depositResponse, 0, len(results))
	for _, res := range results {
		out = append(out, newDepositResponse(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) batchRedeem(w http.ResponseWriter, r *http.Request) {
	args, err := s.readBatch(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.writer.BatchRedeem(args.actor, args.receiver, args.termIDs, args.curveIDs, args.amounts, args.minimums)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]redeemResponse, 0, len(results))
	for _, res := range results {
		out = append(out, newRedeemResponse(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) sweepProtocolFees(w http.ResponseWriter, r *http.Request) {
	epoch, err := parseEpoch(chi.URLParam(r, "epoch"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.writer.SweepProtocolFees(epoch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("protocol fees swept", "epoch", epoch, "amount", amount.Dec())
	writeJSON(w, http.StatusOK, map[string]interface{}{"epoch": epoch, "amount": amount.Dec()})
}

func (s *server) retryCredits(w http.ResponseWriter, r *http.Request) {
	report, err := s.writer.RetryPendingCredits()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func termParam(r *http.Request) (common.Hash, error) {
	termBytes, err := decodeHex(chi.URLParam(r, "termId"))
	if err != nil || len(termBytes) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: termId must be 32 hex-encoded bytes", errBadRequest)
	}
	return common.BytesToHash(termBytes), nil
}

func (s *server) claimable(w http.ResponseWriter, r *http.Request) {
	termID, err := termParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.wallet.Claimable(termID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"termId": termID.Hex(), "claimable": amount.Dec()})
}

func (s *server) claim(w http.ResponseWriter, r *http.Request) {
	termID, err := termParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.wallet.Claim(termID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("entity wallet claimed", "termId", termID.Hex(), "amount", amount.Dec())
	writeJSON(w, http.StatusOK, map[string]string{"termId": termID.Hex(), "claimed": amount.Dec()})
}
