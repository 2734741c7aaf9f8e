package purchase

import (
	"context"
	"os"
	"sync"
)

// validateUnits checks every unit with bounded concurrency and partitions
// the input into usable and unusable units, preserving input order.
func (service *Service) validateUnits(ctx context.Context, units []Unit) (valid []Unit, invalid []Unit) {
	usable := make([]bool, len(units))
	var waitGroup sync.WaitGroup
	for index := range units {
		if acquireErr := service.inflight.Acquire(ctx, 1); acquireErr != nil {
			// Cancellation counts as "not usable" for the remaining units.
			break
		}
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			defer service.inflight.Release(1)
			usable[slot] = service.checkUnit(ctx, units[slot])
		}(index)
	}
	waitGroup.Wait()

	for index, unit := range units {
		if usable[index] {
			valid = append(valid, unit)
		} else {
			invalid = append(invalid, unit)
		}
	}
	return valid, invalid
}

// checkUnit decides "usable / not usable" for one unit. Archive units are
// decrypted into a scratch directory and handed to the external checker;
// the scratch directory is removed on every exit path. Credential units
// have nothing to log into here, so they pass. Any unexpected failure
// counts as "not usable".
func (service *Service) checkUnit(ctx context.Context, unit Unit) bool {
	if !unit.ServiceType.HasArchive() {
		return true
	}

	checkCtx, cancel := context.WithTimeout(ctx, service.config.ValidatorTimeout)
	defer cancel()

	key, err := service.envelope.UnwrapKey(unit.WrappedKeyB64, unit.KeyNonceB64)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationVerify, UnitID: unit.ID, Error: err})
		return false
	}
	scratchDir, err := service.envelope.DecryptToScratch(checkCtx, service.vault.Abs(unit.FilePath), key)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationVerify, UnitID: unit.ID, Error: err})
		return false
	}
	defer func() { _ = os.RemoveAll(scratchDir) }()

	ok, err := service.checker.CanLogin(checkCtx, scratchDir, unit.Phone)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationVerify, UnitID: unit.ID, Error: err})
		return false
	}
	return ok
}
