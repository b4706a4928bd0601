package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/asset"
	"github.com/moltbunker/stakeledger/internal/buildinfo"
	"github.com/moltbunker/stakeledger/internal/ledger"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// handleStake handles POST /v1/stake
func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req types.StakeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), ledger.ErrorKind(ledger.ErrInvalidAmount))
		return
	}

	notes, err := s.ledger.Stake(r.Context(), callerFrom(r), amount)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOperationResponse(notes))
}

// handleUnstake handles POST /v1/unstake
func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	notes, err := s.ledger.Unstake(r.Context(), callerFrom(r))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOperationResponse(notes))
}

// handleGetLockTime handles GET /v1/lock-time
func (s *Server) handleGetLockTime(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, lockTimeResponse(s.ledger.LockTime()))
}

// handleSetLockTime handles PUT /v1/lock-time. The ledger enforces that only
// the administrator may change it.
func (s *Server) handleSetLockTime(w http.ResponseWriter, r *http.Request) {
	var req types.LockTimeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	d, err := parseLockDuration(req)
	if err == nil && d < 0 {
		err = fmt.Errorf("duration must not be negative")
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), ledger.ErrorKind(ledger.ErrInvalidDuration))
		return
	}

	// SetLockTime writes the audit record.
	notes, err := s.ledger.SetLockTime(r.Context(), callerFrom(r), d)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOperationResponse(notes))
}

// handleSettle handles POST /v1/settle. The ledger enforces that only the
// administrator may settle a pending transfer.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req types.SettleRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	if !common.IsHexAddress(req.Staker) {
		s.writeError(w, http.StatusBadRequest, "invalid staker address", "invalid_address")
		return
	}
	if req.Applied == nil {
		s.writeError(w, http.StatusBadRequest, "applied is required", "bad_request")
		return
	}

	notes, err := s.ledger.Settle(r.Context(), callerFrom(r), common.HexToAddress(req.Staker), *req.Applied)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOperationResponse(notes))
}

func parseLockDuration(req types.LockTimeRequest) (time.Duration, error) {
	switch {
	case req.Duration != "":
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %w", err)
		}
		return d, nil
	case req.Seconds != nil:
		if limit := int64(1<<63-1) / int64(time.Second); *req.Seconds > limit || *req.Seconds < -limit {
			return 0, fmt.Errorf("duration too large")
		}
		return time.Duration(*req.Seconds) * time.Second, nil
	default:
		return 0, fmt.Errorf("duration or seconds is required")
	}
}

// handleStakes handles GET /v1/stakes
func (s *Server) handleStakes(w http.ResponseWriter, r *http.Request) {
	stakes := s.ledger.Stakes()
	lock := s.ledger.LockTime()
	now := s.ledger.Now()

	resp := types.StakesResponse{
		Stakes: make([]types.StakeInfo, 0, len(stakes)),
		Count:  len(stakes),
		Total:  s.ledger.Custody().String(),
	}
	for _, st := range stakes {
		resp.Stakes = append(resp.Stakes, stakeInfo(st.Staker, st.StakeRecord, lock, now))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStakeByAddress handles GET /v1/stakes/{address}
func (s *Server) handleStakeByAddress(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	rec, found := s.ledger.StakeOf(addr)
	if !found {
		s.writeError(w, http.StatusNotFound, "no active stake for "+addr.Hex(), ledger.ErrorKind(ledger.ErrNoActiveStake))
		return
	}
	s.writeJSON(w, http.StatusOK, stakeInfo(addr, rec, s.ledger.LockTime(), s.ledger.Now()))
}

// handleStatus handles GET /v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lock := s.ledger.LockTime()
	resp := types.StatusResponse{
		Administrator: s.ledger.Administrator().Hex(),
		LockDuration:  lock.String(),
		LockSeconds:   int64(lock / time.Second),
		Custody:       s.ledger.Custody().String(),
		ActiveStakes:  s.ledger.ActiveStakes(),
		Mode:          s.config.Mode,
		Version:       buildinfo.GetVersion(),
	}
	if s.token != nil {
		resp.TokenSymbol = s.token.Symbol()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleApprove handles POST /v1/token/approve. The caller approves the
// ledger's custody account for amount.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req types.StakeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), ledger.ErrorKind(ledger.ErrInvalidAmount))
		return
	}

	owner := callerFrom(r)
	if err := s.token.Approve(r.Context(), owner, s.custodyAccount, amount); err != nil {
		s.writeTokenError(w, err)
		return
	}
	allowance, err := s.token.Allowance(r.Context(), owner, s.custodyAccount)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.ApprovalResponse{
		Owner:     owner.Hex(),
		Spender:   s.custodyAccount.Hex(),
		Allowance: allowance.String(),
	})
}

// handleBalance handles GET /v1/token/balance/{address}
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	bal, err := s.token.BalanceOf(r.Context(), addr)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.BalanceResponse{
		Address: addr.Hex(),
		Balance: bal.String(),
		Symbol:  s.token.Symbol(),
	})
}

// handleMint handles POST /v1/token/mint (administrator only).
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req types.MintRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	if !common.IsHexAddress(req.To) {
		s.writeError(w, http.StatusBadRequest, "invalid recipient address", "invalid_address")
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), ledger.ErrorKind(ledger.ErrInvalidAmount))
		return
	}

	to := common.HexToAddress(req.To)
	err = s.token.Mint(r.Context(), to, amount)

	result := "success"
	if err != nil {
		result = "failure"
	}
	logging.Audit(logging.AuditEvent{
		Operation: "token_mint",
		Actor:     callerFrom(r).Hex(),
		Target:    to.Hex(),
		Result:    result,
		Details:   "amount=" + amount.String(),
	})

	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	bal, err := s.token.BalanceOf(r.Context(), to)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.BalanceResponse{
		Address: to.Hex(),
		Balance: bal.String(),
		Symbol:  s.token.Symbol(),
	})
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", raw), "invalid_address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// statusForError maps a ledger error kind to its HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNoActiveStake):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyStaked), errors.Is(err, ledger.ErrLockNotElapsed),
		errors.Is(err, ledger.ErrTransferPending):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrTransferRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		logging.Error("ledger operation failed",
			logging.Err(err),
			logging.Component("api"))
	}
	s.writeError(w, status, err.Error(), ledger.ErrorKind(err))
}

// writeTokenError maps mock token failures onto the transfer_rejected kind.
func (s *Server) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, asset.ErrInvalidAmount):
		s.writeError(w, http.StatusBadRequest, err.Error(), ledger.ErrorKind(ledger.ErrInvalidAmount))
	case errors.Is(err, asset.ErrInsufficientBalance), errors.Is(err, asset.ErrInsufficientAllowance):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error(), ledger.ErrorKind(ledger.ErrTransferRejected))
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error(), "internal")
	}
}

func stakeInfo(addr common.Address, rec ledger.StakeRecord, lock time.Duration, now time.Time) types.StakeInfo {
	unlocksAt := rec.StartedAt.Add(lock)
	return types.StakeInfo{
		Staker:    addr.Hex(),
		Amount:    rec.Amount.String(),
		StartedAt: rec.StartedAt,
		UnlocksAt: unlocksAt,
		Unlocked:  !now.Before(unlocksAt),
		Pending:   string(rec.Pending),
	}
}

func lockTimeResponse(d time.Duration) types.LockTimeResponse {
	return types.LockTimeResponse{Duration: d.String(), Seconds: int64(d / time.Second)}
}

// toEvent converts a ledger notification to its wire form.
func toEvent(n ledger.Notification) types.Event {
	ev := types.Event{
		Kind:        string(n.Kind),
		RewardError: n.RewardError,
		At:          n.At,
	}
	if n.Staker != (common.Address{}) {
		ev.Staker = n.Staker.Hex()
	}
	if n.Amount != nil {
		ev.Amount = n.Amount.String()
	}
	switch n.Kind {
	case ledger.KindUnstake:
		ev.Elapsed = n.Elapsed.String()
	case ledger.KindLockTimeChanged:
		ev.LockDuration = n.LockDuration.String()
		ev.PreviousLockDuration = n.PreviousLockDuration.String()
	}
	return ev
}

func toOperationResponse(notes []ledger.Notification) types.OperationResponse {
	resp := types.OperationResponse{Events: make([]types.Event, 0, len(notes))}
	for _, n := range notes {
		resp.Events = append(resp.Events, toEvent(n))
	}
	return resp
}

// readJSON decodes a size-limited JSON body, rejecting unknown fields.
func (s *Server) readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeJSON writes JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: message, Kind: kind})
}
