package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a password with bcrypt for storage in Account.PasswordHash.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Device fingerprinting. Derived from stable request headers only so the
// fingerprint of a device does not drift between requests.
func generateDeviceFingerprint(userAgent, acceptLanguage, acceptEncoding string) string {
	combined := fmt.Sprintf("%s|%s|%s", userAgent, acceptLanguage, acceptEncoding)
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:16]) // Use first 16 bytes
}

// tokenPrefix returns a loggable prefix of a secret token.
func tokenPrefix(token string) string {
	return token[:min(8, len(token))]
}

// IP utilities
func extractIPFromRequest(remoteAddr, xForwardedFor, xRealIP string, trustProxy bool) string {
	if trustProxy {
		// Check X-Forwarded-For header first (can contain multiple IPs)
		if xForwardedFor != "" {
			ips := strings.Split(xForwardedFor, ",")
			clientIP := strings.TrimSpace(ips[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}

		// Check X-Real-IP header
		if xRealIP != "" {
			if net.ParseIP(xRealIP) != nil {
				return xRealIP
			}
		}
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// extractIP extracts client IP from HTTP request
func extractIP(r *http.Request, trustProxy bool) string {
	return extractIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), trustProxy)
}

// extractBearerToken returns the opaque token of an "Authorization: Bearer"
// header, or "" when there is none.
func extractBearerToken(header http.Header) string {
	auth := header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// Helper function to format validation errors
func formatValidationErrors(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required", "required_with":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "email":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a valid email address", fieldError.Field()))
			case "min":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at least %s long", fieldError.Field(), fieldError.Param()))
			case "max":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s long", fieldError.Field(), fieldError.Param()))
			case "len":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be exactly %s characters long", fieldError.Field(), fieldError.Param()))
			case "gt", "gte", "lte":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is out of range (%s %s)", fieldError.Field(), fieldError.Tag(), fieldError.Param()))
			case "oneof":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be one of [%s]", fieldError.Field(), fieldError.Param()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}

// Security event types
const (
	EventLoginSuccess           = "login_success"
	EventLoginFailed            = "login_failed"
	EventRequestRejected        = "request_rejected"
	EventRequestCompleted       = "request_completed"
	EventSuspiciousRequest      = "suspicious_request"
	EventSessionCreated         = "session_created"
	EventSessionFlagged         = "session_flagged"
	EventSessionReviewed        = "session_reviewed"
	EventSessionBlocked         = "session_blocked"
	EventSessionTerminated      = "session_terminated"
	EventSessionExpired         = "session_expired"
	EventSessionsPurged         = "sessions_purged"
	Event2FASetup               = "2fa_setup"
	Event2FAEnabled             = "2fa_enabled"
	Event2FADisabled            = "2fa_disabled"
	Event2FAVerified            = "2fa_verified"
	Event2FAFailed              = "2fa_failed"
	Event2FABackupCodeUsed      = "2fa_backup_code_used"
	Event2FABackupCodesReissued = "2fa_backup_codes_regenerated"
)
