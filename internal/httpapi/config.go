package httpapi

// maxBodyBytes bounds request bodies (grid dumps and containers).
var maxBodyBytes int64 = 512 << 20

// SetMaxBodyBytes configures the maximum request body size. Non-positive
// values restore the 512 MiB default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 512 << 20
		return
	}
	maxBodyBytes = n
}

// CORS configuration (opt-in). With no origins, no CORS middleware is added.
var (
	corsAllowedOrigins []string
	corsAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	corsAllowedHeaders = []string{"Content-Type", "X-Log-Level", "X-Request-Id"}
)

// SetCORSOptions configures allowed origins, and optionally methods and headers.
func SetCORSOptions(origins, methods, headers []string) {
	corsAllowedOrigins = append([]string(nil), origins...)
	if len(methods) > 0 {
		corsAllowedMethods = append([]string(nil), methods...)
	}
	if len(headers) > 0 {
		corsAllowedHeaders = append([]string(nil), headers...)
	}
}
