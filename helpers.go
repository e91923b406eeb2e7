package rmstore

import "strconv"

func itoa(n int) string {
	return strconv.Itoa(n)
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func uitoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func uatoiOr(s string, fallback uint64) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
