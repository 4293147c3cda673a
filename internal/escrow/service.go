package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/middlemark/escrowd/internal/idgen"
	"github.com/middlemark/escrowd/internal/money"
	"github.com/middlemark/escrowd/internal/pagination"
)

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "escrow",
	Name:      "transitions_total",
	Help:      "Escrow status transitions by target status.",
}, []string{"to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Role is the caller's role as asserted by the upstream gateway.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSeller   Role = "seller"
	RoleOperator Role = "operator"
)

// Actor identifies the caller of a service operation.
type Actor struct {
	ID   string
	Role Role
}

// Operator reports whether the actor carries the operator role.
func (a Actor) Operator() bool { return a.Role == RoleOperator }

// Event types emitted on state transitions.
const (
	EventCreated          = "escrow.created"
	EventDepositRecorded  = "escrow.deposit_recorded"
	EventFunded           = "escrow.funded"
	EventVerifyFailed     = "escrow.verification_failed"
	EventVerifyExhausted  = "escrow.verification_exhausted"
	EventReleased         = "escrow.released"
	EventRefunded         = "escrow.refunded"
	EventDisputed         = "escrow.disputed"
	EventResolved         = "escrow.resolved"
	EventCancelled        = "escrow.cancelled"
)

// Bookings abstracts the booking system so escrow doesn't import it.
type Bookings interface {
	MarkEscrowLinked(ctx context.Context, bookingID, escrowID string) error
	MarkCompleted(ctx context.Context, bookingID string) error
	MarkCancelled(ctx context.Context, bookingID string) error
}

// Invoices abstracts invoice status updates.
type Invoices interface {
	MarkPaid(ctx context.Context, invoiceID string) error
	MarkCancelled(ctx context.Context, invoiceID string) error
}

// Notifier receives escrow lifecycle events. Implementations must not
// block the calling operation.
type Notifier interface {
	EscrowEvent(ctx context.Context, eventType string, e *Escrow)
}

// VerifyResult is the outcome of one verification attempt.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Pending  bool   `json:"pending"`           // transient, worth retrying
	Reason   string `json:"reason,omitempty"`
}

// Verifier checks deposits against the chain and schedules retries.
type Verifier interface {
	Verify(ctx context.Context, escrowID string) (*VerifyResult, error)
	Schedule(ctx context.Context, escrowID string) error
}

// Resolution carries operator attribution for a dispute resolution.
// A nil Resolution means an ordinary (non-dispute) settlement.
type Resolution struct {
	ResolverID string
	Notes      string
}

// SettlementResult reports a completed on-chain settlement.
type SettlementResult struct {
	TxHash      string `json:"txHash"`
	Amount      string `json:"amount"`
	PlatformFee string `json:"platformFee,omitempty"`
	Recipient   string `json:"recipient"`
}

// Settler executes on-chain settlements. Release pays the seller
// (terminal released, or resolved_seller when res is set); Refund pays
// the buyer back (terminal resolved_buyer).
type Settler interface {
	Release(ctx context.Context, escrowID string, res *Resolution) (*SettlementResult, error)
	Refund(ctx context.Context, escrowID string, res *Resolution) (*SettlementResult, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BookingID string `json:"bookingId" binding:"required"`
	InvoiceID string `json:"invoiceId"`
	BuyerID   string `json:"buyerId" binding:"required"`
	SellerID  string `json:"sellerId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Token     string `json:"token"`
	ChainID   string `json:"chainId" binding:"required"`
}

// DepositRequest reports a buyer's deposit transaction.
type DepositRequest struct {
	TxHash       string `json:"txHash" binding:"required"`
	ChainID      string `json:"chainId" binding:"required"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
	SenderWallet string `json:"senderWallet"`
}

// DepositAck is the response to RecordDeposit. Transient verification
// failures are absorbed: the deposit is accepted and retried in the
// background.
type DepositAck struct {
	Status              Status `json:"status"`
	VerificationPending bool   `json:"verificationPending"`
	Reason              string `json:"reason,omitempty"`
}

// Service implements escrow business logic. Per-escrow mutexes order
// operations within this process; the store's compare-and-set is the
// authoritative guard across processes.
type Service struct {
	store    Store
	verifier Verifier
	settler  Settler
	bookings Bookings
	invoices Invoices
	notifier Notifier
	feeBPS   int
	logger   *slog.Logger
	locks    sync.Map
}

// NewService creates a new escrow service. feeBPS is frozen onto each
// escrow at creation.
func NewService(store Store, feeBPS int, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		feeBPS: feeBPS,
		logger: logger,
	}
}

// WithVerifier adds the deposit verification engine.
func (s *Service) WithVerifier(v Verifier) *Service {
	s.verifier = v
	return s
}

// WithSettler adds the settlement executor.
func (s *Service) WithSettler(x Settler) *Service {
	s.settler = x
	return s
}

// WithBookings adds booking system integration.
func (s *Service) WithBookings(b Bookings) *Service {
	s.bookings = b
	return s
}

// WithInvoices adds invoice integration.
func (s *Service) WithInvoices(i Invoices) *Service {
	s.invoices = i
	return s
}

// WithNotifier adds lifecycle event delivery.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) notify(ctx context.Context, eventType string, e *Escrow) {
	if s.notifier != nil {
		s.notifier.EscrowEvent(ctx, eventType, e)
	}
}

// Create opens a new escrow for a booking. The platform fee rate is
// frozen here so later config changes never touch in-flight escrows.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same user", ErrInvalidInput)
	}
	amount, ok := money.Parse(req.Amount, 18)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive decimal", ErrInvalidInput)
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:        idgen.WithPrefix("esc_"),
		BookingID: req.BookingID,
		InvoiceID: req.InvoiceID,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Amount:    req.Amount,
		Token:     req.Token,
		ChainID:   req.ChainID,
		FeeBPS:    s.feeBPS,
		Status:    StatusAwaitingDeposit,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	if s.bookings != nil {
		if err := s.bookings.MarkEscrowLinked(ctx, e.BookingID, e.ID); err != nil {
			s.logger.Warn("booking link failed", "escrow", e.ID, "booking", e.BookingID, "error", err)
		}
	}
	transitionsTotal.WithLabelValues(string(StatusAwaitingDeposit)).Inc()
	s.notify(ctx, EventCreated, e)
	return e, nil
}

// RecordDeposit records the buyer's deposit transaction and attempts
// inline verification. Transient verification outcomes return a pending
// acknowledgement with background retries already scheduled.
func (s *Service) RecordDeposit(ctx context.Context, id string, actor Actor, req DepositRequest) (*DepositAck, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer may record a deposit", ErrUnauthorized)
	}
	if e.Status != StatusAwaitingDeposit {
		return nil, fmt.Errorf("%w: deposit already recorded (status %s)", ErrInvalidTransition, e.Status)
	}
	if req.TxHash == "" || req.ChainID == "" {
		return nil, fmt.Errorf("%w: txHash and chainId are required", ErrInvalidInput)
	}
	if req.ChainID != e.ChainID {
		return nil, fmt.Errorf("%w: deposit chain %s does not match escrow chain %s", ErrInvalidInput, req.ChainID, e.ChainID)
	}
	if req.Token != "" && req.Token != e.Token {
		return nil, fmt.Errorf("%w: deposit token %s does not match escrow token %s", ErrInvalidInput, req.Token, e.Token)
	}

	// One deposit transaction funds one escrow. A hash replayed from
	// another escrow would double-count the same on-chain transfer.
	if prior, err := s.store.GetByDepositTx(ctx, req.TxHash); err == nil && prior.ID != e.ID {
		return nil, fmt.Errorf("%w: transaction %s is already recorded on escrow %s", ErrInvalidInput, req.TxHash, prior.ID)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	e.DepositTxHash = req.TxHash
	e.BuyerWallet = req.SenderWallet
	e.Status = StatusDepositPending
	e.Touch()
	if err := s.store.Transition(ctx, e, StatusAwaitingDeposit); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StatusDepositPending)).Inc()
	s.notify(ctx, EventDepositRecorded, e)

	// Inline verification attempt. Anything transient is absorbed here:
	// the caller gets a pending ack and the scheduler takes over.
	result, err := s.verifier.Verify(ctx, id)
	if err != nil || result.Pending {
		if err != nil {
			s.logger.Info("inline verification deferred", "escrow", id, "error", err)
		}
		if schedErr := s.verifier.Schedule(ctx, id); schedErr != nil {
			s.logger.Error("scheduling verification retries failed", "escrow", id, "error", schedErr)
		}
		return &DepositAck{Status: StatusDepositPending, VerificationPending: true}, nil
	}
	if !result.Verified {
		return &DepositAck{Status: StatusDepositPending, Reason: result.Reason}, nil
	}
	return &DepositAck{Status: StatusFunded}, nil
}

// VerifyDeposit runs one verification attempt on demand. This is also
// the manual re-trigger after the scheduler exhausts its retries.
func (s *Service) VerifyDeposit(ctx context.Context, id string, actor Actor) (*VerifyResult, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator() && actor.ID != e.BuyerID && actor.ID != e.SellerID {
		return nil, ErrUnauthorized
	}
	return s.verifier.Verify(ctx, id)
}

// Release pays the seller out of a funded escrow.
func (s *Service) Release(ctx context.Context, id string, actor Actor) (*SettlementResult, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator() && actor.ID != e.SellerID {
		return nil, fmt.Errorf("%w: only the seller or an operator may release", ErrUnauthorized)
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: release requires funded, escrow is %s", ErrInvalidTransition, e.Status)
	}
	return s.settler.Release(ctx, id, nil)
}

// Refund returns a funded deposit to the buyer without a dispute.
// Operator only.
func (s *Service) Refund(ctx context.Context, id string, actor Actor) (*SettlementResult, error) {
	if !actor.Operator() {
		return nil, fmt.Errorf("%w: refund is an operator operation", ErrUnauthorized)
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: refund requires funded, escrow is %s", ErrInvalidTransition, e.Status)
	}
	return s.settler.Refund(ctx, id, &Resolution{ResolverID: actor.ID})
}

// OpenDispute freezes a funded escrow pending operator resolution.
func (s *Service) OpenDispute(ctx context.Context, id string, actor Actor, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.BuyerID && actor.ID != e.SellerID {
		return nil, fmt.Errorf("%w: only a party to the escrow may open a dispute", ErrUnauthorized)
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: disputes open from funded only, escrow is %s", ErrInvalidTransition, e.Status)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: a dispute reason is required", ErrInvalidInput)
	}
	if len(reason) > MaxDisputeReasonLen {
		return nil, fmt.Errorf("%w: dispute reason exceeds %d characters", ErrInvalidInput, MaxDisputeReasonLen)
	}

	now := time.Now().UTC()
	e.Status = StatusDisputed
	e.DisputeReason = reason
	e.DisputeOpenerID = actor.ID
	e.DisputedAt = &now
	e.Touch()
	if err := s.store.Transition(ctx, e, StatusFunded); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.notify(ctx, EventDisputed, e)
	return e, nil
}

// AdminResolve settles a dispute in favor of one party. Valid from
// funded or disputed; a disputed escrow is first normalized back to
// funded so the settlement executor sees its usual pre-state.
func (s *Service) AdminResolve(ctx context.Context, id string, actor Actor, favor string, notes string) (*SettlementResult, error) {
	if !actor.Operator() {
		return nil, fmt.Errorf("%w: dispute resolution is an operator operation", ErrUnauthorized)
	}
	if favor != "seller" && favor != "buyer" {
		return nil, fmt.Errorf("%w: favor must be seller or buyer", ErrInvalidInput)
	}
	if len(notes) > MaxResolutionNotesLen {
		return nil, fmt.Errorf("%w: resolution notes exceed %d characters", ErrInvalidInput, MaxResolutionNotesLen)
	}

	mu := s.escrowLock(id)
	mu.Lock()
	e, err := s.store.Get(ctx, id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	switch e.Status {
	case StatusDisputed:
		e.Status = StatusFunded
		e.Touch()
		if err := s.store.Transition(ctx, e, StatusDisputed); err != nil {
			mu.Unlock()
			return nil, err
		}
		transitionsTotal.WithLabelValues(string(StatusFunded)).Inc()
	case StatusFunded:
		// Admin resolution without a formal dispute.
	default:
		mu.Unlock()
		return nil, fmt.Errorf("%w: resolution requires funded or disputed, escrow is %s", ErrInvalidTransition, e.Status)
	}
	mu.Unlock()

	res := &Resolution{ResolverID: actor.ID, Notes: notes}
	if favor == "seller" {
		return s.settler.Release(ctx, id, res)
	}
	return s.settler.Refund(ctx, id, res)
}

// Cancel abandons an escrow before it is funded. The buyer may cancel
// while awaiting the deposit; an operator may additionally cancel a
// stuck deposit_pending escrow.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Operator():
	case actor.ID == e.BuyerID && e.Status == StatusAwaitingDeposit:
	default:
		return nil, fmt.Errorf("%w: cancel requires the buyer (before deposit) or an operator", ErrUnauthorized)
	}
	if e.Status != StatusAwaitingDeposit && e.Status != StatusDepositPending {
		return nil, fmt.Errorf("%w: cancel requires an unfunded escrow, status is %s", ErrInvalidTransition, e.Status)
	}

	from := e.Status
	e.Status = StatusCancelled
	e.Touch()
	if err := s.store.Transition(ctx, e, from); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()

	if s.bookings != nil {
		if err := s.bookings.MarkCancelled(ctx, e.BookingID); err != nil {
			s.logger.Warn("booking cancel failed", "escrow", e.ID, "booking", e.BookingID, "error", err)
		}
	}
	if s.invoices != nil && e.InvoiceID != "" {
		if err := s.invoices.MarkCancelled(ctx, e.InvoiceID); err != nil {
			s.logger.Warn("invoice cancel failed", "escrow", e.ID, "invoice", e.InvoiceID, "error", err)
		}
	}
	s.notify(ctx, EventCancelled, e)
	return e, nil
}

// Get returns an escrow visible to the actor.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator() && actor.ID != e.BuyerID && actor.ID != e.SellerID {
		return nil, ErrUnauthorized
	}
	return e, nil
}

// GetByBooking returns the escrow linked to a booking.
func (s *Service) GetByBooking(ctx context.Context, bookingID string, actor Actor) (*Escrow, error) {
	e, err := s.store.GetByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !actor.Operator() && actor.ID != e.BuyerID && actor.ID != e.SellerID {
		return nil, ErrUnauthorized
	}
	return e, nil
}

// ListByUser returns one page of escrows where the user is buyer or
// seller, newest first, plus an opaque cursor for the next page. An
// empty cursor means the page is the last one.
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) ([]*Escrow, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}

	// Fetch one extra row to learn whether another page exists.
	escrows, err := s.store.ListByUser(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	escrows, next, _ := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return escrows, next, nil
}

// ExpectedSplit previews the fee split for a funded escrow using its
// frozen rate and verified amount.
func (s *Service) ExpectedSplit(e *Escrow, decimals int) (net, fee *big.Int, ok bool) {
	amount := e.Amount
	if e.VerifiedAmount != "" {
		amount = e.VerifiedAmount
	}
	deposit, ok := money.Parse(amount, decimals)
	if !ok {
		return nil, nil, false
	}
	n, f := money.Split(deposit, e.FeeBPS)
	return n, f, true
}
