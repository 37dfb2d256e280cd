package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "verdict"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyRefresh — сигнал всем инстансам перечитать политики из БД
	RedisChanPolicyRefresh = RedisNamespace + ":policies:refresh"
	// RedisChanKeyRotated — оповещение о смене текущего ключа подписи (payload = key_id)
	RedisChanKeyRotated = RedisNamespace + ":signing:rotated"
)
