package purchase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Dependencies are the collaborators a Service is wired with.
type Dependencies struct {
	Store     Store
	Vault     Vault
	Envelope  Envelope
	Checker   Checker
	Discounts DiscountCalculator
	Cache     CacheRefresher
	Events    EventPublisher
}

// Service is the single authority that moves a purchase through its states.
// Multi-row mutations happen inside short transactions; decryption,
// validation and file moves happen outside them with compensation on
// failure.
type Service struct {
	store     Store
	vault     Vault
	envelope  Envelope
	checker   Checker
	discounts DiscountCalculator
	cache     CacheRefresher
	events    EventPublisher
	logger    OperationLogger
	nowFn     func() int64
	config    Config
	inflight  *semaphore.Weighted
}

// NewService wires a Service.
func NewService(deps Dependencies, config Config, now func() int64, options ...ServiceOption) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if deps.Vault == nil {
		return nil, fmt.Errorf("%w: vault dependency is nil", ErrInvalidServiceConfig)
	}
	if deps.Envelope == nil {
		return nil, fmt.Errorf("%w: envelope dependency is nil", ErrInvalidServiceConfig)
	}
	if deps.Checker == nil {
		return nil, fmt.Errorf("%w: checker dependency is nil", ErrInvalidServiceConfig)
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("%w: cache dependency is nil", ErrInvalidServiceConfig)
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("%w: event publisher dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	config = config.withDefaults()
	service := &Service{
		store:     deps.Store,
		vault:     deps.Vault,
		envelope:  deps.Envelope,
		checker:   deps.Checker,
		discounts: deps.Discounts,
		cache:     deps.Cache,
		events:    deps.Events,
		nowFn:     now,
		config:    config,
		inflight:  semaphore.NewWeighted(config.ValidatorParallelism),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// attempt accumulates the partial state of one purchase so that cancel can
// compensate from any point.
type attempt struct {
	input         PurchaseInput
	category      Category
	request       PurchaseRequest
	hold          BalanceHold
	units         []Unit
	originalTotal int64
	finalTotal    int64
	balanceBefore int64
	balanceAfter  int64
	moves         []moveRecord
	soldIDs       []string
	purchaseIDs   []string
	records       []UnitPurchaseRecord
}

// moveRecord tracks one staged artifact move: original → temp sidecar →
// final destination. Paths are absolute.
type moveRecord struct {
	unitID   int64
	original string
	temp     string
	final    string
}

// Purchase runs one buyer attempt end to end and reports a tagged outcome.
// Errors never escape: every failure after Open is compensated by cancel and
// converted by the classifier.
func (service *Service) Purchase(ctx context.Context, input PurchaseInput) Outcome {
	state, err := service.open(ctx, input)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationOpen, UserID: input.UserID, Error: err})
		return classify(err)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationOpen,
		RequestID: state.request.ID,
		UserID:    input.UserID,
		Amount:    state.finalTotal,
	})

	// Open already moved money, so the attempt must resolve to completed or
	// cancelled even when the caller disconnects mid-flight.
	ctx = context.WithoutCancel(ctx)

	if err := service.stageReserved(state); err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationFileMoveFailure, RequestID: state.request.ID, UserID: input.UserID, Error: err})
		service.cancel(ctx, state)
		return classify(err)
	}

	valid, invalid := service.validateUnits(ctx, state.units)
	if len(invalid) > 0 {
		replaced, replaceErr := service.replaceInvalid(ctx, state, valid, invalid)
		if replaceErr != nil {
			service.logOperation(ctx, OperationLog{Operation: operationReplacement, RequestID: state.request.ID, UserID: input.UserID, Error: replaceErr})
			service.cancel(ctx, state)
			return classifyInternal(replaceErr)
		}
		state.units = replaced
	}

	if err := service.finalize(ctx, state); err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationFinalize, RequestID: state.request.ID, UserID: input.UserID, Error: err})
		service.cancel(ctx, state)
		return classifyInternal(err)
	}

	unitIDs := make([]int64, 0, len(state.units))
	for _, unit := range state.units {
		unitIDs = append(unitIDs, unit.ID)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationFinalize,
		RequestID: state.request.ID,
		UserID:    input.UserID,
		Amount:    state.finalTotal,
	})
	return Outcome{
		Code:      OutcomeCompleted,
		RequestID: state.request.ID,
		Total:     state.finalTotal,
		UnitIDs:   unitIDs,
	}
}

// open reserves inventory, opens the journal and takes the balance hold in
// one transaction. It has no side effects when it errors.
func (service *Service) open(ctx context.Context, input PurchaseInput) (*attempt, error) {
	state := &attempt{input: input}
	err := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		category, err := tx.GetCategory(ctx, input.CategoryID)
		if err != nil {
			return err
		}
		state.category = category

		if input.Quantity <= 0 {
			return ErrNotEnoughAccounts
		}
		units, err := tx.LockFreeUnits(ctx, category.ID, input.Quantity)
		if err != nil {
			return err
		}
		if len(units) < input.Quantity {
			return ErrNotEnoughAccounts
		}

		state.originalTotal = category.Price * int64(input.Quantity)
		state.finalTotal = state.originalTotal
		if input.PromoID != nil {
			if service.discounts == nil {
				return ErrInvalidPromo
			}
			discount, discountErr := service.discounts.Discount(ctx, *input.PromoID, input.UserID, state.originalTotal)
			if discountErr != nil {
				return discountErr
			}
			state.finalTotal = state.originalTotal - discount
			if state.finalTotal < 0 {
				state.finalTotal = 0
			}
		}

		user, err := tx.GetUserForUpdate(ctx, input.UserID)
		if err != nil {
			return err
		}
		if user.Balance < state.finalTotal {
			return NotEnoughMoneyError{Shortfall: state.finalTotal - user.Balance}
		}
		state.balanceBefore = user.Balance

		for index := range units {
			reservedPath := service.reservedPath(units[index])
			if err := tx.UpdateUnitStatus(ctx, units[index].ID, StatusForSale, StatusReserved, reservedPath); err != nil {
				return err
			}
			units[index].Status = StatusReserved
			units[index].FilePath = reservedPath
		}
		state.units = units

		state.request = PurchaseRequest{
			ID:             uuid.NewString(),
			UserID:         input.UserID,
			PromoID:        input.PromoID,
			Quantity:       input.Quantity,
			TotalAmount:    state.finalTotal,
			State:          RequestProcessing,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := tx.CreateRequest(ctx, state.request); err != nil {
			return err
		}
		unitIDs := make([]int64, 0, len(units))
		for _, unit := range units {
			unitIDs = append(unitIDs, unit.ID)
		}
		if err := tx.CreateRequestAccounts(ctx, state.request.ID, unitIDs); err != nil {
			return err
		}

		state.hold = BalanceHold{
			ID:        uuid.NewString(),
			RequestID: state.request.ID,
			UserID:    input.UserID,
			Amount:    state.finalTotal,
			State:     HoldHeld,
		}
		if err := tx.CreateHold(ctx, state.hold); err != nil {
			return err
		}
		balanceAfter, err := tx.AddToBalance(ctx, input.UserID, -state.finalTotal)
		if err != nil {
			return err
		}
		state.balanceAfter = balanceAfter
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// stageReserved moves reserved archives into the reserved zone. The journal
// already points at the reserved paths, so a failed move is fatal to the
// request.
func (service *Service) stageReserved(state *attempt) error {
	for _, unit := range state.units {
		if !unit.ServiceType.HasArchive() {
			continue
		}
		source := service.vault.Abs(service.vault.RelPath(StatusForSale, unit.ServiceType, unit.UUID))
		destination := service.vault.Abs(unit.FilePath)
		if !service.vault.Move(source, destination) {
			return WrapError(operationOpen, "artifact", "reserve_move", ErrInternal)
		}
		service.vault.PurgeEmptyParent(filepath.Dir(source))
	}
	return nil
}

// SweepProcessing reclassifies every purchase request left in processing
// (e.g. after a crash) as failed and compensates via the journal details.
func (service *Service) SweepProcessing(ctx context.Context) error {
	requests, err := service.store.ListProcessingRequests(ctx)
	if err != nil {
		return WrapError(operationSweep, "journal", "list", err)
	}
	for _, request := range requests {
		state := &attempt{
			input:   PurchaseInput{UserID: request.UserID},
			request: request,
		}
		service.cancel(ctx, state)
		service.logOperation(ctx, OperationLog{Operation: operationSweep, RequestID: request.ID, UserID: request.UserID})
	}
	return nil
}

func (service *Service) reservedPath(unit Unit) string {
	if !unit.ServiceType.HasArchive() {
		return ""
	}
	return service.vault.RelPath(StatusReserved, unit.ServiceType, unit.UUID)
}

func (service *Service) forSalePath(unit Unit) string {
	if !unit.ServiceType.HasArchive() {
		return ""
	}
	return service.vault.RelPath(StatusForSale, unit.ServiceType, unit.UUID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// classify converts an Open-phase error into the caller-facing outcome.
func classify(err error) Outcome {
	var notEnough NotEnoughMoneyError
	switch {
	case errors.As(err, &notEnough):
		return Outcome{Code: OutcomeInsufficientFunds, Reason: err, Shortfall: notEnough.Shortfall}
	case errors.Is(err, ErrNotEnoughAccounts), errors.Is(err, ErrCategoryNotFound):
		return Outcome{Code: OutcomeNoAccounts, Reason: err}
	case errors.Is(err, ErrInvalidPromo):
		return Outcome{Code: OutcomeInternal, Reason: ErrInvalidPromo}
	default:
		return Outcome{Code: OutcomeInternal, Reason: err}
	}
}

// classifyInternal tags any post-Open failure: the attempt was cancelled,
// the caller only learns the buy was not processed.
func classifyInternal(err error) Outcome {
	if errors.Is(err, ErrNotEnoughAccounts) {
		return Outcome{Code: OutcomeInternal, Reason: ErrNotEnoughAccounts}
	}
	return Outcome{Code: OutcomeInternal, Reason: err}
}
