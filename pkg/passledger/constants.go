package passledger

const (
	operationBootstrap = "bootstrap"
	operationBuyPass   = "buy_pass"
	operationRenewPass = "renew_pass"
	operationUsePass   = "use_pass"
	operationSetParams = "set_params"

	subjectConfig = "config"
	subjectPass   = "pass"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// Built-in defaults applied by Bootstrap. The owner adjusts them afterwards
// through SetParams.
const (
	DefaultPassPrice           Amount      = 500_000
	DefaultUsageFee            Amount      = 0
	DefaultFeeSplitBps         BasisPoints = 8_000
	DefaultReferralDiscountBps BasisPoints = 500
	DefaultPassDurationBlocks  Height      = 144
)
