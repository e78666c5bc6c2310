package config

import (
	"os"
	"strconv"
	"time"
)

// ServiceConfig holds the serving shell around the bridge core: HTTP
// endpoints, auth, and the optional persistence/observability backends.
// Empty backend settings disable the corresponding integration.
type ServiceConfig struct {
	Port       string
	Env        string
	EnableCORS bool
	// InstanceID identifies this pod in the cross-pod session registry.
	InstanceID string
	// SecretKey enables JWT auth on the management API when set.
	SecretKey string
	// PublicBaseURL is the externally reachable base URL, used to build
	// the Twilio media stream callback.
	PublicBaseURL string

	// Redis session registry. Persistence reads its own DB_* variables.
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// GCS upload of recording artifacts.
	GCSBucketName string

	// Pub/Sub call metrics.
	PubSubProjectID string
	PubSubTopic     string
	PubSubPubID     string

	// Twilio REST credentials for signature validation and call control.
	TwilioAccountSID string
	TwilioAuthToken  string

	// LocalModelServe starts the in-process model substitute on the
	// LOCAL_MODEL_URL address. Development only.
	LocalModelServe bool
}

// LoadServiceConfig loads the serving shell configuration from environment
// variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("LOG_ENV", "development"),
		EnableCORS:    getEnvAsBool("ENABLE_CORS", true),
		InstanceID:    getEnv("INSTANCE_ID", ""),
		SecretKey:     getEnv("SECRET_KEY", ""),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		GCSBucketName: getEnv("GCS_BUCKET_NAME", ""),

		PubSubProjectID: getEnv("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:     getEnv("PUBSUB_TOPIC", "voice-call-metrics"),
		PubSubPubID:     getEnv("PUBSUB_PUB_ID", ""),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),

		LocalModelServe: getEnvAsBool("LOCAL_MODEL_SERVE", false),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsDurationMs reads an integer millisecond value into a duration
func getEnvAsDurationMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
