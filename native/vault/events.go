package vault

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"multivault/core/events"
	"multivault/core/types"
)

const (
	// EventTypeDeposited is emitted after a deposit commits.
	EventTypeDeposited = "vault.deposited"
	// EventTypeRedeemed is emitted after a redemption commits.
	EventTypeRedeemed = "vault.redeemed"
	// EventTypeVaultInitialized is emitted when floor shares are minted.
	EventTypeVaultInitialized = "vault.initialized"
	// EventTypeCreditPending is emitted when a delivery fails and is kept as
	// a pending credit.
	EventTypeCreditPending = "vault.credit.pending"
	// EventTypeProtocolFeesSwept is emitted when an epoch's protocol fees are
	// swept.
	EventTypeProtocolFeesSwept = "vault.fees.swept"
)

const (
	depositedSignature = "Deposited(address,address,bytes32,uint256,uint256,uint256,uint256,uint256)"
	redeemedSignature  = "Redeemed(address,address,bytes32,uint256,uint256,uint256,uint256,uint256)"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

// Unwrap returns the payload of an event produced by this package.
func Unwrap(evt events.Event) (*types.Event, bool) {
	env, ok := evt.(eventEnvelope)
	if !ok || env.evt == nil {
		return nil, false
	}
	return env.evt, true
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func curveIDString(id uint64) string { return strconv.FormatUint(id, 10) }

// DepositedEvent mirrors Deposited(sender, receiver, termId, curveId, assets,
// assetsAfterFees, shares, totalShares).
func DepositedEvent(sender, receiver common.Address, res *DepositResult) *types.Event {
	return &types.Event{
		Type:      EventTypeDeposited,
		Signature: depositedSignature,
		Attributes: map[string]string{
			"sender":          sender.Hex(),
			"receiver":        receiver.Hex(),
			"termId":          res.Key.TermID.Hex(),
			"curveId":         curveIDString(res.Key.CurveID),
			"assets":          amountString(res.Fees.Gross),
			"assetsAfterFees": amountString(res.AssetsAfterFees),
			"shares":          amountString(res.Shares),
			"totalShares":     amountString(res.Vault.TotalShares),
			"operationId":     res.OperationID,
		},
	}
}

// RedeemedEvent mirrors Redeemed(owner, receiver, termId, curveId, shares,
// totalShares, assets, fees).
func RedeemedEvent(owner, receiver common.Address, res *RedeemResult) *types.Event {
	return &types.Event{
		Type:      EventTypeRedeemed,
		Signature: redeemedSignature,
		Attributes: map[string]string{
			"owner":       owner.Hex(),
			"receiver":    receiver.Hex(),
			"termId":      res.Key.TermID.Hex(),
			"curveId":     curveIDString(res.Key.CurveID),
			"shares":      amountString(res.SharesUsed),
			"totalShares": amountString(res.Vault.TotalShares),
			"assets":      amountString(res.Assets),
			"fees":        amountString(res.Fees.Total),
			"operationId": res.OperationID,
		},
	}
}

// VaultInitializedEvent records the floor shares minted for a new vault.
func VaultInitializedEvent(key Key, floor *uint256.Int, opID string) *types.Event {
	return &types.Event{
		Type: EventTypeVaultInitialized,
		Attributes: map[string]string{
			"termId":      key.TermID.Hex(),
			"curveId":     curveIDString(key.CurveID),
			"floorShares": amountString(floor),
			"operationId": opID,
		},
	}
}

// CreditPendingEvent records a delivery that failed and was kept for retry.
func CreditPendingEvent(kind, beneficiary string, amount *uint256.Int, reason string) *types.Event {
	return &types.Event{
		Type: EventTypeCreditPending,
		Attributes: map[string]string{
			"kind":        kind,
			"beneficiary": beneficiary,
			"amount":      amountString(amount),
			"reason":      reason,
		},
	}
}

// ProtocolFeesSweptEvent records a protocol fee sweep.
func ProtocolFeesSweptEvent(epoch uint64, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeProtocolFeesSwept,
		Attributes: map[string]string{
			"epoch":  strconv.FormatUint(epoch, 10),
			"amount": amountString(amount),
		},
	}
}
