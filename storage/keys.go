package storage

// Keys persisted by the extension services.
const (
	KeyAuthToken   = "ext_auth_token"
	KeyIdentity    = "ext_identity"
	KeySession     = "ext_session"
	KeyInstallTime = "install_time"
	KeyAuthVersion = "auth_version"

	KeyBackendRegistered        = "backend_registered"
	KeyRegistrationTime         = "registration_time"
	KeyRegistrationFailed       = "registration_failed"
	KeyRegistrationRetryCount   = "registration_retry_count"
	KeyLastRegistrationError    = "last_registration_error"
	KeyLastRegistrationAttempt  = "last_registration_attempt"
	KeyLastRegistrationResponse = "last_registration_response"
	KeyLastAuthRetry            = "last_auth_retry"

	KeyAuthInitFailed = "auth_init_failed"
	KeyAuthError      = "auth_error"
	KeyRetryCount     = "retry_count"
	KeyUsageStats     = "usage_stats"

	KeyExtensionLogs   = "extension_logs"
	KeyExtVersion      = "ext_version"
	KeyPreviousVersion = "previous_version"
	KeyLastUpdate      = "last_update"
	KeyTokenRefreshed  = "token_refreshed"

	// PrefixCache prefixes cache entries; PrefixCacheMeta prefixes their
	// metadata and also matches PrefixCache.
	PrefixCache     = "cache_"
	PrefixCacheMeta = "cache_meta_"
)
