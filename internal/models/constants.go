package models

const (
	EntityParcel          = "parcel"
	EntityActor           = "actor"
	EntityStore           = "store"
	EntityConvention      = "convention"
	EntityCalendar        = "calendar"
	EntityProductTransfer = "productTransfer"
	EntityTransaction     = "transaction"
	EntityUser            = "user"
	EntityCampaign        = "campaign"
	EntityLocation        = "location"
	EntityProductionBasin = "productionBasin"
)

const (
	KindCreate     = "create"
	KindCreateBulk = "create_bulk"
	KindUpdate     = "update"
	KindDelete     = "delete"

	// Relationship mutators declared by the actor module.
	KindAttachProducerToGroup = "update_producer_opa"
	KindAttachBuyerToExporter = "update_buyer_exporter"
)

const (
	ActorProducer      = "PRODUCER"
	ActorBuyer         = "BUYER"
	ActorProducerGroup = "PRODUCERS"
	ActorExporter      = "EXPORTER"
)

const (
	OperationPending = "pending"
	OperationStalled = "stalled"
)

const (
	FailureHandlerError = "handler_error"
	FailureHandlerPanic = "handler_panic"
	FailureNetwork      = "network_error"
	FailureConflict     = "conflict"
	FailureValidation   = "validation_error"
)

const (
	// DefaultMaxRetries is the retry ceiling after which an operation stalls.
	DefaultMaxRetries = 3

	// LocalIDPrefix marks identifiers generated on the device.
	LocalIDPrefix = "local-"
)
