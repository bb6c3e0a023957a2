package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
)

const maxRequestBytes = 1 << 16

type handlers struct {
	engine *escrow.Engine
	ledger *escrow.Ledger
	logger *slog.Logger
}

var errIdentityRequired = fmt.Errorf("%w: caller identity required", escrow.ErrUnauthorized)

func escrowID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: escrow id %q", escrow.ErrValidation, raw)
	}
	return id, nil
}

func caller(r *http.Request) (escrow.Identity, error) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return "", errIdentityRequired
	}
	return id, nil
}

// decode reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %v", escrow.ErrValidation, err)
	}
	return nil
}

func (h *handlers) createEscrow(w http.ResponseWriter, r *http.Request) {
	buyer, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req createEscrowRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	seller, err := escrow.ParseIdentity(req.Seller)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", escrow.ErrInvalidSeller, err))
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	params := escrow.CreateParams{
		Buyer:      buyer,
		Seller:     seller,
		Amount:     amount,
		Milestones: req.Milestones,
	}
	if req.Value != nil {
		value, err := parseAmount("value", *req.Value)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		params.Value = value
	}
	created, err := h.ledger.CreateEscrow(r.Context(), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/escrows/%d", created.ID))
	writeJSON(w, http.StatusCreated, escrowFrom(created))
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request, run func(id uint64, actor escrow.Identity) (*escrow.Outcome, error)) {
	actor, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := escrowID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	outcome, err := run(id, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeFrom(outcome))
}

func (h *handlers) markComplete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uint64, actor escrow.Identity) (*escrow.Outcome, error) {
		return h.engine.MarkMilestoneComplete(r.Context(), id, actor)
	})
}

func (h *handlers) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.transition(w, r, func(id uint64, actor escrow.Identity) (*escrow.Outcome, error) {
		if req.Milestone != nil {
			return h.engine.ApproveMilestoneAt(r.Context(), id, actor, *req.Milestone)
		}
		return h.engine.ApproveMilestone(r.Context(), id, actor)
	})
}

func (h *handlers) raiseDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uint64, actor escrow.Identity) (*escrow.Outcome, error) {
		return h.engine.RaiseDispute(r.Context(), id, actor)
	})
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PaySeller == nil {
		h.writeError(w, r, fmt.Errorf("%w: paySeller is required", escrow.ErrValidation))
		return
	}
	h.transition(w, r, func(id uint64, actor escrow.Identity) (*escrow.Outcome, error) {
		return h.engine.ResolveDispute(r.Context(), id, actor, *req.PaySeller)
	})
}

func (h *handlers) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.ledger.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowFrom(rec))
}

func (h *handlers) getMilestones(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ms, err := h.ledger.Milestones(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, milestonesFrom(ms))
}

func (h *handlers) listByIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := escrow.ParseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idsResponse{Identity: identity.String(), Escrows: h.ledger.ListByIdentity(identity)})
}
