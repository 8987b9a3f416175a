// Package approval is the only path through which a financial record leaves
// PENDING. It checks the caller's role, commits the transition with a single
// compare-and-set, then posts the ledger entry and notifies the owner.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"memberfund.org/internal/audit"
	"memberfund.org/internal/auth"
	"memberfund.org/internal/finance"
	"memberfund.org/internal/ids"
	"memberfund.org/internal/ledger"
	"memberfund.org/internal/notify"
	"memberfund.org/internal/obs"
)

const (
	defaultPersistTimeout = 5 * time.Second
	maxReasonLength       = 1000
	maxTitleLength        = 200
	amountScale           = 2
)

// maxAmount is the first value that no longer fits numeric(18,2).
var maxAmount = decimal.New(1, 16)

// Store persists approvable entities. CompareAndSetStatus and DeleteIfStatus
// must be single atomic conditional writes.
type Store interface {
	Create(ctx context.Context, e finance.Entity) error
	Load(ctx context.Context, ref finance.Ref) (finance.Entity, error)
	CompareAndSetStatus(ctx context.Context, ref finance.Ref, expected finance.Status, t finance.Transition) (bool, error)
	List(ctx context.Context, f finance.Filter) ([]finance.Entity, error)
	DeleteIfStatus(ctx context.Context, ref finance.Ref, expected finance.Status) (bool, error)
}

// Poster writes the ledger entry for an approved entity.
type Poster interface {
	Post(ctx context.Context, e finance.Entity) (ledger.Transaction, error)
}

// IdentityResolver turns an opaque credential into the caller's identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (auth.Identity, error)
}

// Outcome is the result of a committed transition. Warning wraps
// ErrLedgerPosting when the approval committed but the ledger entry did not.
type Outcome struct {
	Entity      finance.Entity      `json:"entity"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Warning     error               `json:"-"`
}

// Service orchestrates submissions and approval transitions.
type Service struct {
	entities       Store
	book           ledger.Store
	poster         Poster
	notifier       notify.Notifier
	resolver       IdentityResolver
	users          auth.UserStore
	policy         Policy
	now            func() time.Time
	persistTimeout time.Duration
	logger         *zap.Logger
}

// Option configures Service.
type Option func(*Service)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

// WithPoster overrides the ledger poster built from the ledger store.
func WithPoster(p Poster) Option {
	return func(s *Service) {
		if p != nil {
			s.poster = p
		}
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithResolver enables the credential-level operations.
func WithResolver(r IdentityResolver) Option { return func(s *Service) { s.resolver = r } }

// WithUserDirectory makes Submit verify that the owner exists and is active.
func WithUserDirectory(u auth.UserStore) Option { return func(s *Service) { s.users = u } }

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPersistTimeout bounds every store call. Timeouts surface as ErrUnavailable.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithLogger overrides the shared logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires the entity store and ledger.
func NewService(entities Store, book ledger.Store, opts ...Option) (*Service, error) {
	if entities == nil {
		return nil, errors.New("approval: entity store is required")
	}
	if book == nil {
		return nil, errors.New("approval: ledger store is required")
	}
	s := &Service{
		entities:       entities,
		book:           book,
		poster:         ledger.NewPoster(book),
		notifier:       notify.Nop{},
		policy:         DefaultPolicy(),
		now:            time.Now,
		persistTimeout: defaultPersistTimeout,
		logger:         obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.policy.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Policy returns the active role policy.
func (s *Service) Policy() Policy { return s.policy }

// Approve moves a PENDING entity to APPROVED and posts its ledger entry.
func (s *Service) Approve(ctx context.Context, actor auth.Identity, ref finance.Ref) (out Outcome, err error) {
	defer func() { obs.RecordTransition(string(ref.Kind), "approve", outcomeLabel(err)) }()

	if err := s.authorizeTransition(actor, ref.Kind); err != nil {
		return Outcome{}, err
	}
	at := s.now().UTC()
	approved, err := s.transition(ctx, ref, finance.Approval(actor.UserID, at))
	if err != nil {
		return Outcome{}, err
	}
	out = Outcome{Entity: approved}

	tx, perr := s.post(ctx, approved)
	if perr != nil {
		out.Warning = perr
		s.logger.Warn("ledger posting failed after approval",
			zap.String("entity", ref.String()),
			zap.String("actor_id", actor.UserID),
			zap.Error(perr),
		)
	} else {
		out.Transaction = &tx
	}

	s.audit(ctx, actor, "entity.approve", approved, nil)
	s.notify(ctx, notify.EventApproved, approved, nil)
	return out, nil
}

// Reject moves a PENDING entity to REJECTED. It never touches the ledger.
func (s *Service) Reject(ctx context.Context, actor auth.Identity, ref finance.Ref, reason string) (out Outcome, err error) {
	defer func() { obs.RecordTransition(string(ref.Kind), "reject", outcomeLabel(err)) }()

	if err := s.authorizeTransition(actor, ref.Kind); err != nil {
		return Outcome{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Outcome{}, fmt.Errorf("%w: rejection reason is required", ErrInvalidArgument)
	}
	if len(reason) > maxReasonLength {
		return Outcome{}, fmt.Errorf("%w: rejection reason exceeds %d characters", ErrInvalidArgument, maxReasonLength)
	}
	rejected, err := s.transition(ctx, ref, finance.Rejection(reason, s.now().UTC()))
	if err != nil {
		return Outcome{}, err
	}

	s.audit(ctx, actor, "entity.reject", rejected, map[string]any{"reason": reason})
	s.notify(ctx, notify.EventRejected, rejected, map[string]any{"reason": reason})
	return Outcome{Entity: rejected}, nil
}

// ApproveEntity resolves credential and approves kind/id.
func (s *Service) ApproveEntity(ctx context.Context, kind finance.Kind, id, credential string) (Outcome, error) {
	actor, err := s.resolve(ctx, credential)
	if err != nil {
		return Outcome{}, err
	}
	return s.Approve(ctx, actor, finance.Ref{Kind: kind, ID: id})
}

// RejectEntity resolves credential and rejects kind/id.
func (s *Service) RejectEntity(ctx context.Context, kind finance.Kind, id, reason, credential string) (Outcome, error) {
	actor, err := s.resolve(ctx, credential)
	if err != nil {
		return Outcome{}, err
	}
	return s.Reject(ctx, actor, finance.Ref{Kind: kind, ID: id}, reason)
}

// RetryPosting re-runs ledger posting for an APPROVED entity. It is
// idempotent: an existing entry is returned unchanged.
func (s *Service) RetryPosting(ctx context.Context, actor auth.Identity, ref finance.Ref) (Outcome, error) {
	if err := s.authorizeTransition(actor, ref.Kind); err != nil {
		return Outcome{}, err
	}
	e, err := s.load(ctx, ref)
	if err != nil {
		return Outcome{}, err
	}
	if e.Status != finance.StatusApproved {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, ref, e.Status)
	}
	tx, err := s.post(ctx, e)
	if err != nil {
		if errors.Is(err, ledger.ErrNotApproved) || errors.Is(err, finance.ErrInvalidKind) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return Outcome{Entity: e, Transaction: &tx}, nil
}

// SubmitRequest describes a new PENDING entity.
type SubmitRequest struct {
	Kind        finance.Kind
	OwnerUserID string
	Title       string
	Description string
	Amount      decimal.Decimal
}

// Submit creates a PENDING entity. Members submit for themselves; OnBehalf
// roles may name another owner.
func (s *Service) Submit(ctx context.Context, actor auth.Identity, req SubmitRequest) (finance.Entity, error) {
	if !actor.Active || actor.IsZero() {
		return finance.Entity{}, fmt.Errorf("%w: inactive identity", ErrForbidden)
	}
	if _, ok := s.policy.RequiredFor(req.Kind); !ok {
		return finance.Entity{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, req.Kind)
	}
	if err := validAmount(req.Amount); err != nil {
		return finance.Entity{}, err
	}
	title := strings.TrimSpace(req.Title)
	if len(title) > maxTitleLength {
		return finance.Entity{}, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidArgument, maxTitleLength)
	}
	owner := strings.TrimSpace(req.OwnerUserID)
	if owner == "" {
		owner = actor.UserID
	}
	if owner != actor.UserID {
		if !auth.HasPermission(actor.Role, s.policy.OnBehalf) {
			return finance.Entity{}, fmt.Errorf("%w: %s may not submit on behalf of another member", ErrForbidden, actor.Role)
		}
		if err := s.checkOwner(ctx, owner); err != nil {
			return finance.Entity{}, err
		}
	}

	now := s.now().UTC()
	e := finance.Entity{
		ID:          ids.NewAt(now),
		Kind:        req.Kind,
		OwnerUserID: owner,
		CreatedBy:   actor.UserID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Amount:      req.Amount,
		Status:      finance.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	if err := s.entities.Create(pctx, e); err != nil {
		return finance.Entity{}, unavailable("create entity", err)
	}

	s.audit(ctx, actor, "entity.submit", e, nil)
	s.notify(ctx, notify.EventSubmitted, e, nil)
	return e, nil
}

// Get returns one entity. Members may only read their own.
func (s *Service) Get(ctx context.Context, actor auth.Identity, ref finance.Ref) (finance.Entity, error) {
	if !actor.Active || actor.IsZero() {
		return finance.Entity{}, fmt.Errorf("%w: inactive identity", ErrForbidden)
	}
	e, err := s.load(ctx, ref)
	if err != nil {
		return finance.Entity{}, err
	}
	if e.OwnerUserID != actor.UserID && !auth.HasPermission(actor.Role, s.policy.Manage) {
		// Do not reveal other members' records.
		return finance.Entity{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return e, nil
}

// List returns entities matching f. Callers without Manage roles only see
// entities they own.
func (s *Service) List(ctx context.Context, actor auth.Identity, f finance.Filter) ([]finance.Entity, error) {
	if !actor.Active || actor.IsZero() {
		return nil, fmt.Errorf("%w: inactive identity", ErrForbidden)
	}
	if !auth.HasPermission(actor.Role, s.policy.Manage) {
		if f.OwnerUserID != "" && f.OwnerUserID != actor.UserID {
			return nil, fmt.Errorf("%w: cannot list another member's records", ErrForbidden)
		}
		f.OwnerUserID = actor.UserID
	}
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	res, err := s.entities.List(pctx, f)
	if err != nil {
		return nil, unavailable("list entities", err)
	}
	return res, nil
}

// Delete removes an entity. Owners may delete their own PENDING entities;
// Manage roles may delete any PENDING or REJECTED entity the ledger does not
// reference.
func (s *Service) Delete(ctx context.Context, actor auth.Identity, ref finance.Ref) error {
	if !actor.Active || actor.IsZero() {
		return fmt.Errorf("%w: inactive identity", ErrForbidden)
	}
	e, err := s.load(ctx, ref)
	if err != nil {
		return err
	}
	isManager := auth.HasPermission(actor.Role, s.policy.Manage)
	ownPending := e.OwnerUserID == actor.UserID && e.Status == finance.StatusPending
	if !isManager && !ownPending {
		return fmt.Errorf("%w: %s may not delete %s", ErrForbidden, actor.Role, ref)
	}
	// Only PENDING and REJECTED entities are deletable. Neither can gain a
	// ledger entry, and the status compare-and-set below closes the race
	// with a concurrent approval.
	if e.Status != finance.StatusPending && e.Status != finance.StatusRejected {
		return fmt.Errorf("%w: %s is %s and may be referenced by the ledger", ErrConflict, ref, e.Status)
	}

	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	_, err = s.book.FindByEntity(pctx, ref)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s is referenced by a ledger transaction", ErrConflict, ref)
	case !errors.Is(err, ledger.ErrNotFound):
		return unavailable("check ledger reference", err)
	}

	ok, err := s.entities.DeleteIfStatus(pctx, ref, e.Status)
	if err != nil {
		if errors.Is(err, finance.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return unavailable("delete entity", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s changed state during delete", ErrConflict, ref)
	}
	s.audit(ctx, actor, "entity.delete", e, nil)
	return nil
}

// Transactions pages through the ledger for Manage roles.
func (s *Service) Transactions(ctx context.Context, actor auth.Identity, limit int, after string) ([]ledger.Transaction, string, error) {
	if !actor.Active || !auth.HasPermission(actor.Role, s.policy.Manage) {
		return nil, "", fmt.Errorf("%w: ledger access requires an administrator", ErrForbidden)
	}
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	txs, next, err := s.book.ListTransactions(pctx, limit, after)
	if err != nil {
		return nil, "", unavailable("list transactions", err)
	}
	return txs, next, nil
}

// DeleteTransaction is an administrative override. No reversing entry is
// generated and the originating entity keeps its status.
func (s *Service) DeleteTransaction(ctx context.Context, actor auth.Identity, txID string) error {
	if !actor.Active || !auth.HasPermission(actor.Role, s.policy.LedgerOverride) {
		return fmt.Errorf("%w: ledger override requires %v", ErrForbidden, s.policy.LedgerOverride.Slice())
	}
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidArgument)
	}
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	if err := s.book.DeleteTransaction(pctx, txID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: transaction %s", ErrNotFound, txID)
		}
		return unavailable("delete transaction", err)
	}
	_ = audit.LogEvent(ctx, actor, "ledger.transaction.delete", map[string]any{"transaction_id": txID})
	return nil
}

func (s *Service) authorizeTransition(actor auth.Identity, kind finance.Kind) error {
	if !actor.Active || actor.IsZero() {
		return fmt.Errorf("%w: inactive identity", ErrForbidden)
	}
	required, ok := s.policy.RequiredFor(kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, kind)
	}
	if !auth.HasPermission(actor.Role, required) {
		return fmt.Errorf("%w: %s cannot approve %s (requires one of %v)", ErrForbidden, actor.Role, kind, required.Slice())
	}
	return nil
}

// transition commits t with one compare-and-set from PENDING. Terminal
// entities fail before any write.
func (s *Service) transition(ctx context.Context, ref finance.Ref, t finance.Transition) (finance.Entity, error) {
	e, err := s.load(ctx, ref)
	if err != nil {
		return finance.Entity{}, err
	}
	if e.Status != finance.StatusPending {
		return finance.Entity{}, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, ref, e.Status)
	}

	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	ok, err := s.entities.CompareAndSetStatus(pctx, ref, finance.StatusPending, t)
	if err != nil {
		if errors.Is(err, finance.ErrNotFound) {
			return finance.Entity{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return finance.Entity{}, unavailable("commit transition", err)
	}
	if !ok {
		return finance.Entity{}, fmt.Errorf("%w: %s was transitioned concurrently", ErrInvalidTransition, ref)
	}
	return e.Apply(t), nil
}

func (s *Service) post(ctx context.Context, e finance.Entity) (ledger.Transaction, error) {
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	tx, err := s.poster.Post(pctx, e)
	if err != nil {
		obs.RecordPosting(string(e.Kind), "error")
		return ledger.Transaction{}, fmt.Errorf("%w: %s: %w", ErrLedgerPosting, e.Ref(), err)
	}
	obs.RecordPosting(string(e.Kind), "ok")
	return tx, nil
}

func (s *Service) load(ctx context.Context, ref finance.Ref) (finance.Entity, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return finance.Entity{}, fmt.Errorf("%w: entity id is required", ErrInvalidArgument)
	}
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	e, err := s.entities.Load(pctx, ref)
	if err != nil {
		if errors.Is(err, finance.ErrNotFound) {
			return finance.Entity{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return finance.Entity{}, unavailable("load entity", err)
	}
	return e, nil
}

func (s *Service) resolve(ctx context.Context, credential string) (auth.Identity, error) {
	if s.resolver == nil {
		return auth.Identity{}, fmt.Errorf("%w: no identity resolver configured", auth.ErrUnauthenticated)
	}
	return s.resolver.ResolveIdentity(ctx, credential)
}

func (s *Service) checkOwner(ctx context.Context, owner string) error {
	if s.users == nil {
		return nil
	}
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	u, err := s.users.FindUser(pctx, owner)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return fmt.Errorf("%w: unknown member %s", ErrInvalidArgument, owner)
		}
		return unavailable("look up member", err)
	}
	if !u.Active() {
		return fmt.Errorf("%w: member %s is deactivated", ErrInvalidArgument, owner)
	}
	return nil
}

func (s *Service) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.persistTimeout)
}

// notify runs after the commit; failures are logged and never returned.
func (s *Service) notify(ctx context.Context, event notify.Event, e finance.Entity, extra map[string]any) {
	payload := map[string]any{
		"kind":   string(e.Kind),
		"id":     e.ID,
		"amount": e.Amount.String(),
		"status": string(e.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	msg := notify.Message{UserID: e.OwnerUserID, Event: event, Payload: payload, OccurredAt: s.now().UTC()}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn("notification failed",
			zap.String("event", string(event)),
			zap.String("entity", e.Ref().String()),
			zap.Error(err),
		)
	}
}

func (s *Service) audit(ctx context.Context, actor auth.Identity, event string, e finance.Entity, extra map[string]any) {
	fields := map[string]any{
		"kind":   string(e.Kind),
		"id":     e.ID,
		"owner":  e.OwnerUserID,
		"amount": e.Amount.String(),
		"status": string(e.Status),
	}
	for k, v := range extra {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, actor, event, fields)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// validAmount accepts positive amounts that fit numeric(18,2) exactly.
func validAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidArgument)
	case !amount.Equal(amount.Round(amountScale)):
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidArgument, amountScale)
	case amount.Cmp(maxAmount) >= 0:
		return fmt.Errorf("%w: amount exceeds %s", ErrInvalidArgument, maxAmount.Sub(decimal.New(1, -amountScale)))
	}
	return nil
}
