package consts

const (
	// DefaultMaxRecvMessageLength - лимит длины входящего сообщения по умолчанию.
	DefaultMaxRecvMessageLength = 4 << 20

	MaxSendInitialMetadataCount = 3

	// шаг роста буферов метаданных: max(cap+step, cap*2)
	MetadataGrowthStep = 8

	DetailsInitialCapacity = 8

	CompletionQueueDepth = 128
)
