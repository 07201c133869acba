package service

import (
	"strings"

	"whatsmgr/internal/constants"
)

// SanitizeNumber masks a phone number or JID, keeping only the last digits
func SanitizeNumber(number string) string {
	if number == "" || number == constants.NumberPlaceholder {
		return number
	}

	cleaned := number
	if idx := strings.Index(cleaned, "@"); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	if idx := strings.Index(cleaned, ":"); idx >= 0 {
		cleaned = cleaned[:idx]
	}

	if len(cleaned) > constants.DefaultPhoneMaskLength {
		return "***" + cleaned[len(cleaned)-constants.DefaultPhoneMaskLength:]
	}
	return "***"
}

// numberField renders a device number for logs
func numberField(verbose bool, number string) string {
	if verbose {
		return number
	}
	return SanitizeNumber(number)
}

// resolveNumber turns a device JID such as "5511999999999:12@s.whatsapp.net"
// into the number stored on the descriptor
func resolveNumber(deviceID string) string {
	number := deviceID
	if idx := strings.Index(number, "@"); idx >= 0 {
		number = number[:idx]
	}
	if idx := strings.Index(number, ":"); idx >= 0 {
		number = number[:idx]
	}
	if number == "" {
		return constants.NumberPlaceholder
	}
	return number
}
