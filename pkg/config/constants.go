package config

const EnvPrefix = "ORDERFLOW"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	OutboxSinkPubSub = "pubsub"
	OutboxSinkKafka  = "kafka"
)

const (
	EnvAppEnv  = "ORDERFLOW_APP_ENV"
	EnvPort    = "ORDERFLOW_APP_PORT"
	EnvLogLvl  = "ORDERFLOW_LOG_LEVEL"
	EnvDBDSN   = "ORDERFLOW_DB_DSN"
	EnvDBDrv   = "ORDERFLOW_DB_DRIVER"
	EnvDBHost  = "ORDERFLOW_DB_HOST"
	EnvDBUser  = "ORDERFLOW_DB_USER"
	EnvDBName  = "ORDERFLOW_DB_NAME"
	EnvDBPass  = "ORDERFLOW_DB_PASSWORD"
	EnvDBPort  = "ORDERFLOW_DB_PORT"
	EnvDBSSL   = "ORDERFLOW_DB_SSLMODE"
	EnvRedis   = "ORDERFLOW_REDIS_URL"
	EnvJWTKey  = "ORDERFLOW_JWT_SECRET"
	EnvJWTIss  = "ORDERFLOW_JWT_ISSUER"
	EnvGCPProj = "ORDERFLOW_GCP_PROJECT_ID"

	EnvCheckoutTaxBps      = "ORDERFLOW_CHECKOUT_TAX_RATE_BPS"
	EnvCheckoutShipping    = "ORDERFLOW_CHECKOUT_SHIPPING_FLAT_CENTS"
	EnvSweepAbandonAfter   = "ORDERFLOW_SWEEP_ABANDON_AFTER"
	EnvOutboxSink          = "ORDERFLOW_OUTBOX_SINK"
	EnvKafkaBrokers        = "ORDERFLOW_KAFKA_BROKERS"
	EnvPaymentsRetries     = "ORDERFLOW_PAYMENTS_CONFLICT_RETRIES"
	EnvStripeEnvironment   = "ORDERFLOW_STRIPE_ENV"
	EnvCacheOrderStatusTTL = "ORDERFLOW_CACHE_ORDER_STATUS_TTL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
