package purchase

const (
	operationOpen            = "open"
	operationVerify          = "verify"
	operationFinalize        = "finalize"
	operationCancel          = "cancel"
	operationReplacement     = "replacement"
	operationSweep           = "sweep"
	operationIngest          = "ingest"
	operationExport          = "export"
	operationDelete          = "delete"
	operationInvalidAccount  = "invalid_account_found"
	operationFileMoveFailure = "file_move_failed"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
