package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "TAPHOA"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"

	// Firestore accounts, one service account each.
	AccountProducts  = "hanghoa"
	AccountCustomers = "customer"
	AccountInvoices  = "hoadon"
)

const (
	EnvAppEnv              = "TAPHOA_APP_ENV"
	EnvPort                = "TAPHOA_APP_PORT"
	EnvLogLevel            = "TAPHOA_LOG_LEVEL"
	EnvDBDSN               = "TAPHOA_DB_DSN"
	EnvDBHost              = "TAPHOA_DB_HOST"
	EnvDBUser              = "TAPHOA_DB_USER"
	EnvDBName              = "TAPHOA_DB_NAME"
	EnvRedisURL            = "TAPHOA_REDIS_URL"
	EnvGCPProjectID        = "TAPHOA_GCP_PROJECT_ID"
	EnvFirestoreHangHoa    = "TAPHOA_FIREBASE_SERVICE_ACCOUNT_HANGHOA"
	EnvFirestoreCustomer   = "TAPHOA_FIREBASE_SERVICE_ACCOUNT_CUSTOMER"
	EnvFirestoreHoaDon     = "TAPHOA_FIREBASE_SERVICE_ACCOUNT_HOADON"
	EnvKiotVietRetailer    = "TAPHOA_KIOTVIET_RETAILER"
	EnvKiotVietBranchID    = "TAPHOA_KIOTVIET_BRANCH_ID"
	EnvKiotVietClientID    = "TAPHOA_KIOTVIET_CLIENT_ID"
	EnvKiotVietToken       = "TAPHOA_KIOTVIET_AUTH_TOKEN"
	EnvCacheBackend        = "TAPHOA_CACHE_BACKEND"
	EnvPubSubNotifyTopic   = "TAPHOA_PUBSUB_NOTIFICATION_TOPIC"
	EnvPubSubInventorySub  = "TAPHOA_PUBSUB_INVENTORY_SUBSCRIPTION"
	EnvDebtCandidatePaths  = "TAPHOA_DEBT_CANDIDATE_PATHS"
	EnvSyncInterval        = "TAPHOA_SYNC_INTERVAL"
	EnvSnapshotBucket      = "TAPHOA_GCS_SNAPSHOT_BUCKET"
	EnvBigQuerySalesTable  = "TAPHOA_BIGQUERY_SALES_TABLE"
	EnvKiotVietSyncURL     = "TAPHOA_KIOTVIET_SYNC_URL"
	EnvKiotVietManagerURL  = "TAPHOA_KIOTVIET_MANAGER_URL"
	EnvFirestoreProjectID  = "TAPHOA_FIRESTORE_PROJECT_ID"
	EnvCustomerRefreshCron = "TAPHOA_SYNC_CUSTOMER_REFRESH_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	GCP       GCPConfig
	Firestore FirestoreConfig
	KiotViet  KiotVietConfig
	Sync      SyncConfig
	Cache     CacheConfig
	Debt      DebtConfig
	GCS       GCSConfig
	PubSub    PubSubConfig
	BigQuery  BigQueryConfig
	RateLimit RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Cache.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"TAPHOA_APP_ENV" required:"true"`
	Port         string   `envconfig:"TAPHOA_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"TAPHOA_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"TAPHOA_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool     `envconfig:"TAPHOA_AUTO_MIGRATE" default:"false"`
	CORSOrigins  []string `envconfig:"TAPHOA_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"TAPHOA_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TAPHOA_DB_DSN"`
	Driver string `envconfig:"TAPHOA_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TAPHOA_DB_HOST"`
	LegacyPort     int    `envconfig:"TAPHOA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TAPHOA_DB_USER"`
	LegacyPassword string `envconfig:"TAPHOA_DB_PASSWORD"`
	LegacyName     string `envconfig:"TAPHOA_DB_NAME"`
	LegacySSLMode  string `envconfig:"TAPHOA_DB_SSLMODE" default:"disable"`

	SlowQuery       time.Duration `envconfig:"TAPHOA_DB_SLOW_QUERY" default:"500ms"`
	MaxOpenConns    int           `envconfig:"TAPHOA_DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"TAPHOA_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"TAPHOA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TAPHOA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TAPHOA_REDIS_URL"`
	Address      string        `envconfig:"TAPHOA_REDIS_ADDR"`
	Password     string        `envconfig:"TAPHOA_REDIS_PASSWORD"`
	DB           int           `envconfig:"TAPHOA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TAPHOA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TAPHOA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TAPHOA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TAPHOA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TAPHOA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"TAPHOA_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"TAPHOA_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"TAPHOA_GOOGLE_APPLICATION_CREDENTIALS"`
}

// FirestoreConfig carries one service account per mirrored data set.
type FirestoreConfig struct {
	ProjectID        string `envconfig:"TAPHOA_FIRESTORE_PROJECT_ID"`
	ProductsAccount  string `envconfig:"TAPHOA_FIREBASE_SERVICE_ACCOUNT_HANGHOA"`
	CustomersAccount string `envconfig:"TAPHOA_FIREBASE_SERVICE_ACCOUNT_CUSTOMER"`
	InvoicesAccount  string `envconfig:"TAPHOA_FIREBASE_SERVICE_ACCOUNT_HOADON"`
}

// Accounts returns the credentials JSON keyed by account name. Empty values fall
// back to application default credentials.
func (f FirestoreConfig) Accounts() map[string]string {
	return map[string]string{
		AccountProducts:  f.ProductsAccount,
		AccountCustomers: f.CustomersAccount,
		AccountInvoices:  f.InvoicesAccount,
	}
}

type KiotVietConfig struct {
	SyncURL    string `envconfig:"TAPHOA_KIOTVIET_SYNC_URL" default:"https://api-kvsync1.kiotviet.vn/api/resource/fetch"`
	ManagerURL string `envconfig:"TAPHOA_KIOTVIET_MANAGER_URL" default:"https://api-man1.kiotviet.vn/api"`
	ClientID   string `envconfig:"TAPHOA_KIOTVIET_CLIENT_ID"`
	Retailer   string `envconfig:"TAPHOA_KIOTVIET_RETAILER" required:"true"`
	BranchID   string `envconfig:"TAPHOA_KIOTVIET_BRANCH_ID" required:"true"`
	AuthToken  string `envconfig:"TAPHOA_KIOTVIET_AUTH_TOKEN" required:"true"`

	SingleFetchLimit   int           `envconfig:"TAPHOA_KIOTVIET_SINGLE_FETCH_LIMIT" default:"20000"`
	PageSize           int           `envconfig:"TAPHOA_KIOTVIET_PAGE_SIZE" default:"500"`
	SingleFetchTimeout time.Duration `envconfig:"TAPHOA_KIOTVIET_SINGLE_FETCH_TIMEOUT" default:"90s"`
	PageTimeout        time.Duration `envconfig:"TAPHOA_KIOTVIET_PAGE_TIMEOUT" default:"45s"`
	CustomerTimeout    time.Duration `envconfig:"TAPHOA_KIOTVIET_CUSTOMER_TIMEOUT" default:"30s"`
	MaxRetries         int           `envconfig:"TAPHOA_KIOTVIET_MAX_RETRIES" default:"3"`
	RetryDelay         time.Duration `envconfig:"TAPHOA_KIOTVIET_RETRY_DELAY" default:"2s"`
	MaxDuplicatePages  int           `envconfig:"TAPHOA_KIOTVIET_MAX_DUPLICATE_PAGES" default:"3"`
	CustomerFetchTop   int           `envconfig:"TAPHOA_KIOTVIET_CUSTOMER_TOP" default:"10000"`
}

type SyncConfig struct {
	BatchSize               int           `envconfig:"TAPHOA_SYNC_BATCH_SIZE" default:"500"`
	Interval                time.Duration `envconfig:"TAPHOA_SYNC_INTERVAL" default:"15m"`
	CustomerRefreshInterval time.Duration `envconfig:"TAPHOA_SYNC_CUSTOMER_REFRESH_INTERVAL" default:"6h"`
	LockTTL                 time.Duration `envconfig:"TAPHOA_SYNC_LOCK_TTL" default:"10m"`
}

type CacheConfig struct {
	Backend     string        `envconfig:"TAPHOA_CACHE_BACKEND" default:"memory"`
	Size        int           `envconfig:"TAPHOA_CACHE_SIZE" default:"4096"`
	DefaultTTL  time.Duration `envconfig:"TAPHOA_CACHE_DEFAULT_TTL" default:"300s"`
	InvoicesTTL time.Duration `envconfig:"TAPHOA_CACHE_INVOICES_TTL" default:"120s"`
}

func (c CacheConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case CacheBackendMemory, CacheBackendRedis:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q", EnvCacheBackend, CacheBackendMemory, CacheBackendRedis)
	}
}

// DebtConfig overrides the invoice field tables used to derive debt. Each entry
// is a dotted path, for example "payment.remainingAmount".
type DebtConfig struct {
	CandidatePaths []string `envconfig:"TAPHOA_DEBT_CANDIDATE_PATHS"`
	PaidPaths      []string `envconfig:"TAPHOA_DEBT_PAID_PATHS"`
}

type GCSConfig struct {
	SnapshotBucket string `envconfig:"TAPHOA_GCS_SNAPSHOT_BUCKET"`
	SnapshotPrefix string `envconfig:"TAPHOA_GCS_SNAPSHOT_PREFIX" default:"kiotviet-snapshots"`
}

type PubSubConfig struct {
	NotificationTopic     string `envconfig:"TAPHOA_PUBSUB_NOTIFICATION_TOPIC" default:"taphoa-notification-events"`
	InventorySubscription string `envconfig:"TAPHOA_PUBSUB_INVENTORY_SUBSCRIPTION" default:"taphoa-inventory-events-sub"`
}

type BigQueryConfig struct {
	Dataset    string `envconfig:"TAPHOA_BIGQUERY_DATASET" default:"taphoa"`
	SalesTable string `envconfig:"TAPHOA_BIGQUERY_SALES_TABLE" default:"sales_facts"`
	BatchSize  int    `envconfig:"TAPHOA_BIGQUERY_BATCH_SIZE" default:"1"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `envconfig:"TAPHOA_RATE_LIMIT_RPM" default:"600"`
	SyncPerMinute     int `envconfig:"TAPHOA_RATE_LIMIT_SYNC_RPM" default:"4"`
}

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

// IsSQLite reports whether the sync run ledger lives in a local sqlite file.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
