package platform

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
)

func GetEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

// IsProduction reports whether QUOTECPQ_ENV names a production deployment.
func IsProduction() bool {
	return GetEnv("QUOTECPQ_ENV", "development") == "production"
}

// ClampDuration keeps d within [lo, hi].
func ClampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// NumericDecimals makes decimals marshal as JSON numbers instead of strings.
// Call once at startup, before any encoding happens.
func NumericDecimals() {
	decimal.MarshalJSONWithoutQuotes = true
}
