package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	code39Charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ -.$/+%"
	nw7Charset    = "0123456789-$:/.+"
	nw7StartStop  = "ABCD"

	// Byte-mode capacity of a version 40 symbol at the lowest error correction.
	qrMaxBytes = 2953
)

// ValidateBarcode checks recognized barcode text against the symbology's
// character set and structure and returns human-readable warnings. An empty
// slice means the text looks well formed.
func ValidateBarcode(sym Symbology, text string) []string {
	if text == "" {
		return []string{fmt.Sprintf("%s: no barcode data recognized", sym)}
	}
	switch sym {
	case SymbologyCode39:
		return validateCode39(text)
	case SymbologyCode128:
		return validateCode128(text)
	case SymbologyQR:
		return validateQR(text)
	case SymbologyEAN13:
		return validateEAN(sym, text, 13)
	case SymbologyEAN8:
		return validateEAN(sym, text, 8)
	case SymbologyITF:
		return validateITF(text)
	case SymbologyNW7:
		return validateNW7(text)
	default:
		return []string{fmt.Sprintf("no validation rules for symbology %s", sym)}
	}
}

func charsetViolations(sym Symbology, text, charset string) []string {
	var warnings []string
	pos := 0
	for _, r := range text {
		if !strings.ContainsRune(charset, r) {
			warnings = append(warnings, fmt.Sprintf("%s: character %q at position %d is not in the %s character set", sym, r, pos, sym))
		}
		pos++
	}
	return warnings
}

func validateCode39(text string) []string {
	body := text
	if strings.HasPrefix(body, "*") && strings.HasSuffix(body, "*") && len(body) >= 2 {
		body = body[1 : len(body)-1]
	}
	return charsetViolations(SymbologyCode39, body, code39Charset)
}

func validateCode128(text string) []string {
	var warnings []string
	pos := 0
	for _, r := range text {
		if r > 127 {
			warnings = append(warnings, fmt.Sprintf("code128: character %q at position %d is outside ASCII", r, pos))
		}
		pos++
	}
	return warnings
}

func validateQR(text string) []string {
	if !utf8.ValidString(text) {
		return []string{"qr: data is not valid UTF-8"}
	}
	if len(text) > qrMaxBytes {
		return []string{fmt.Sprintf("qr: %d bytes exceeds the %d byte capacity", len(text), qrMaxBytes)}
	}
	return nil
}

func validateEAN(sym Symbology, text string, length int) []string {
	if w := charsetViolations(sym, text, "0123456789"); len(w) > 0 {
		return w
	}
	if len(text) != length {
		return []string{fmt.Sprintf("%s: expected %d digits, got %d", sym, length, len(text))}
	}
	if want := eanCheckDigit(text[:length-1]); text[length-1] != want {
		return []string{fmt.Sprintf("%s: check digit %c does not match computed %c", sym, text[length-1], want)}
	}
	return nil
}

// eanCheckDigit computes the GS1 mod-10 check digit over digits. Weights
// alternate 3,1 starting from the rightmost digit.
func eanCheckDigit(digits string) byte {
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if (len(digits)-1-i)%2 == 0 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}

func validateITF(text string) []string {
	if w := charsetViolations(SymbologyITF, text, "0123456789"); len(w) > 0 {
		return w
	}
	if len(text)%2 != 0 {
		return []string{fmt.Sprintf("itf: interleaved 2 of 5 needs an even number of digits, got %d", len(text))}
	}
	return nil
}

func validateNW7(text string) []string {
	var warnings []string
	body := text
	if len(text) >= 2 && strings.ContainsRune(nw7StartStop, rune(text[0])) && strings.ContainsRune(nw7StartStop, rune(text[len(text)-1])) {
		body = text[1 : len(text)-1]
	} else {
		warnings = append(warnings, "nw7: missing A-D start/stop characters")
	}
	return append(warnings, charsetViolations(SymbologyNW7, body, nw7Charset)...)
}
