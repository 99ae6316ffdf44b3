// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidOTPCode проверяет, что строка является шестизначным числовым кодом.
func IsValidOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}

	for _, ch := range code {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}
